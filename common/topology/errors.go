package topology

import "errors"

var (
	ErrUnknownKind = errors.New("no adapter registered for backend kind")
	ErrNotServable = errors.New("backend has no topology to serve")
)
