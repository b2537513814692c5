package engine

import (
	"errors"
	"fmt"

	"github.com/lkarlslund/xiaobairouter/pkg/upstream"
)

type ErrorKind int

const (
	// KindUnavailable means the upstream could not be reached.
	KindUnavailable ErrorKind = iota + 1
	// KindStatus means the upstream answered with a non-2xx status.
	KindStatus
	// KindProtocol means the upstream answered with something other than SSE.
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "upstream_unavailable"
	case KindStatus:
		return "upstream_status"
	case KindProtocol:
		return "upstream_protocol"
	default:
		return "unknown"
	}
}

// Error is an upstream failure that survived the engine's recovery.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Retried    bool
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		if e.Retried {
			return fmt.Sprintf("upstream returned status %d after retry on a new conversation", e.StatusCode)
		}
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	default:
		return e.Err.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func classify(err error, retried bool) error {
	var statusErr *upstream.StatusError
	var ctErr *upstream.ContentTypeError
	var trErr *upstream.TransportError
	switch {
	case errors.As(err, &statusErr):
		return &Error{Kind: KindStatus, StatusCode: statusErr.StatusCode, Retried: retried, Err: err}
	case errors.As(err, &ctErr):
		return &Error{Kind: KindProtocol, Retried: retried, Err: err}
	case errors.As(err, &trErr):
		return &Error{Kind: KindUnavailable, Retried: retried, Err: err}
	default:
		return err
	}
}
