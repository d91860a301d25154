package chat

import "errors"

// Sentinel errors returned by Engine operations. Callers log and drop them;
// none are reported back to clients.
var (
	ErrInvalid   = errors.New("invalid request")
	ErrNotFound  = errors.New("message not found")
	ErrForbidden = errors.New("not the message sender")
)
