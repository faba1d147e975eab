// Package fault classifies cycle errors into a closed set of kinds.
//
// The poll loop switches over Kind to decide how a failed cycle is logged and
// counted. Every kind is recoverable; the loop retries on the next interval.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnclassified Kind = iota
	KindTransport
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStorage:
		return "storage"
	default:
		return "unclassified"
	}
}

// Error tags a cause with the kind of failure and the operation that hit it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// KindOf returns the kind of the outermost fault.Error in the chain, or
// KindUnclassified when there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnclassified
}
