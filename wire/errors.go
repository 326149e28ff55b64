package wire

import "errors"

// Frame codec errors.
var (
	// ErrDecode indicates a frame could not be decoded.
	ErrDecode = errors.New("wire: malformed frame")
	// ErrBadName indicates a mailbox entry name does not follow the frame naming scheme.
	ErrBadName = errors.New("wire: unrecognized entry name")
)

// Message validation errors.
var (
	// ErrMissingID indicates the message is missing an ID.
	ErrMissingID = errors.New("wire message: missing id")
	// ErrMissingFrom indicates the message is missing a sender identity.
	ErrMissingFrom = errors.New("wire message: missing from")
	// ErrMissingTo indicates the message is missing a recipient identity.
	ErrMissingTo = errors.New("wire message: missing to")
	// ErrInvalidKind indicates the message kind is neither request nor response.
	ErrInvalidKind = errors.New("wire message: invalid kind")
	// ErrMissingCorrelation indicates a response message carries no correlation id.
	ErrMissingCorrelation = errors.New("wire message: response missing correlation id")
)
