package chain

import (
	"errors"
	"fmt"
	"net"

	"github.com/btcsuite/btcd/btcjson"
)

// ErrorKind classifies node failures for callers. Only
// KindTransientUnavailable is retryable.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota + 1
	KindInvalidParameter
	KindUnauthenticated
	KindTransientUnavailable
	KindNodeRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidParameter:
		return "invalid_parameter"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindTransientUnavailable:
		return "transient_unavailable"
	case KindNodeRejected:
		return "node_rejected"
	}
	return "unknown"
}

// Error wraps a node RPC failure with its classification and the command
// that produced it.
type Error struct {
	Kind   ErrorKind
	Method string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Method, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the call may be repeated with backoff.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientUnavailable
}

// KindOf extracts the classification from an error chain. Returns 0 when
// the error did not come from the chain client.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

// IsRetryable reports whether err is a chain error worth retrying.
func IsRetryable(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Retryable()
}

// classify maps node and transport failures onto the error taxonomy.
func classify(method string, err error) *Error {
	kind := KindTransientUnavailable

	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		// ErrRPCNoTxInfo shares code -5 with ErrRPCInvalidAddressOrKey.
		case btcjson.ErrRPCInvalidAddressOrKey:
			kind = KindNotFound
		case btcjson.ErrRPCInvalidParameter, btcjson.ErrRPCInvalidParams.Code, btcjson.ErrRPCType:
			kind = KindInvalidParameter
		case btcjson.ErrRPCWalletUnlockNeeded, btcjson.ErrRPCWalletPassphraseIncorrect:
			kind = KindUnauthenticated
		case btcjson.ErrRPCInWarmup, btcjson.ErrRPCClientInInitialDownload:
			kind = KindTransientUnavailable
		default:
			// Anything else the node answered is a rejection, not an
			// outage.
			kind = KindNodeRejected
		}
		return &Error{Kind: kind, Method: method, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindTransientUnavailable, Method: method, Err: err}
	}

	return &Error{Kind: kind, Method: method, Err: err}
}
