package am

import (
	"errors"

	"github.com/najoast/amlink/transport"
)

// Receive side errors
var (
	ErrBufferTooSmall = errors.New("buffer smaller than message data")
	ErrUnregistered   = errors.New("handler unregistered")
	ErrNotRegistered  = errors.New("handler not registered")
)

// ErrNoReplyEndpoint is returned by Reply on a message that cannot be replied to.
// Callers check NeedReply first.
var ErrNoReplyEndpoint = errors.New("message has no reply endpoint")

// ErrTransportFailure matches every error caused by a transport status.
var ErrTransportFailure = transport.ErrTransportFailure
