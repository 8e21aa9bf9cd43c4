/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package grpcheaderauth

import (
	"context"
	"encoding/base64"
	"errors"

	"google.golang.org/grpc/credentials"
)

var ErrNoCredentials = errors.New("no credentials specified")

// HeaderAuth attaches a fixed authorization header to every rpc, including
// each new discovery stream.
type HeaderAuth struct {
	value      string
	secureOnly bool
}

var _ credentials.PerRPCCredentials = HeaderAuth{}

func NewBasicAuth(username, password string, secureOnly bool) (HeaderAuth, error) {
	if username == "" {
		return HeaderAuth{}, ErrNoCredentials
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return HeaderAuth{
		value:      "Basic " + encoded,
		secureOnly: secureOnly,
	}, nil
}

func NewBearerAuth(token string, secureOnly bool) (HeaderAuth, error) {
	if token == "" {
		return HeaderAuth{}, ErrNoCredentials
	}

	return HeaderAuth{
		value:      "Bearer " + token,
		secureOnly: secureOnly,
	}, nil
}

// FromConfig picks bearer auth when a token is set, then basic auth when a
// username is set.  It returns ErrNoCredentials when neither is.
func FromConfig(username, password, token string, secureOnly bool) (HeaderAuth, error) {
	if token != "" {
		return NewBearerAuth(token, secureOnly)
	}
	return NewBasicAuth(username, password, secureOnly)
}

func (a HeaderAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"authorization": a.value,
	}, nil
}

func (a HeaderAuth) RequireTransportSecurity() bool {
	return a.secureOnly
}
