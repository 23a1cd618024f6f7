package portmap

import "errors"

// Sentinel errors for client lifecycle misuse. Protocol-level failures
// (timeouts, server rejections, malformed wire data) are always
// *types.Error, not one of these — see pkg/types.Error and errors.As.
var (
	// ErrClosed is returned by Start and Discover on a Client that has
	// been closed.
	ErrClosed = errors.New("portmap: client closed")

	// ErrAlreadyStarted is returned by Start on a Client that has
	// already been started.
	ErrAlreadyStarted = errors.New("portmap: client already started")

	// ErrNotStarted is returned by Discover on a Client that hasn't
	// been started yet.
	ErrNotStarted = errors.New("portmap: client not started")
)
