package adsclient

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrBadVersionInfo = errors.New("malformed version info")

// VersionToken is the parsed form of a response's version info, which the
// server encodes as "{full-flag}/{timestamp}/{serverSequence}".
type VersionToken struct {
	Full      bool
	Timestamp string
	Sequence  uint64
}

func ParseVersionToken(versionInfo string) (VersionToken, error) {
	parts := strings.Split(versionInfo, "/")
	if len(parts) != 3 {
		return VersionToken{}, fmt.Errorf("%w: expected 3 parts in %q", ErrBadVersionInfo, versionInfo)
	}

	var full bool
	switch strings.ToLower(parts[0]) {
	case "1", "true", "full":
		full = true
	case "0", "false", "incr", "incremental":
		full = false
	default:
		return VersionToken{}, fmt.Errorf("%w: invalid full flag %q", ErrBadVersionInfo, parts[0])
	}

	seq, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return VersionToken{}, fmt.Errorf("%w: invalid sequence %q", ErrBadVersionInfo, parts[2])
	}

	return VersionToken{
		Full:      full,
		Timestamp: parts[1],
		Sequence:  seq,
	}, nil
}

func (t VersionToken) String() string {
	fullFlag := "0"
	if t.Full {
		fullFlag = "1"
	}
	return fullFlag + "/" + t.Timestamp + "/" + strconv.FormatUint(t.Sequence, 10)
}
