package transport

import "errors"

// Transport errors surfaced to callers. Decode failures and duplicate
// deliveries are absorbed inside the transport and never appear here.
var (
	// ErrTimeout indicates no response arrived before the request deadline.
	ErrTimeout = errors.New("transport: request timed out")
	// ErrCanceled indicates the pending request was canceled before resolving.
	ErrCanceled = errors.New("transport: request canceled")
	// ErrHandler indicates the remote handler failed and sent back an explicit
	// error response. Distinct from ErrTimeout: the failure was knowable fast.
	ErrHandler = errors.New("transport: remote handler failed")
)
