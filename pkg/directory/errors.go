package directory

import "errors"

// Domain failures returned by directory operations. Each maps 1:1 onto an
// error-kind string carried in Reply{ERROR, kind}.
var (
	ErrInvalidArgument         = errors.New("directory: invalid argument")
	ErrChannelAllocationFailed = errors.New("directory: no voice server has free capacity")
	ErrChannelNotFound         = errors.New("directory: channel not found")
	ErrUserNotFound            = errors.New("directory: user not found")
	ErrNotInThatChannel        = errors.New("directory: user is not in that channel")
	ErrUnavailable             = errors.New("directory: unavailable")
)

// Wire error-kind strings.
const (
	KindInvalidArgument         = "InvalidArgument"
	KindChannelAllocationFailed = "ChannelAllocationFailed"
	KindChannelNotFound         = "ChannelNotFound"
	KindUserNotFound            = "UserNotFound"
	KindNotInThatChannel        = "NotInThatChannel"
	KindUnavailable             = "Unavailable"
)

// ErrorKind returns the wire kind string for a directory error.
// Unknown errors degrade to Unavailable rather than leaking internals.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrChannelAllocationFailed):
		return KindChannelAllocationFailed
	case errors.Is(err, ErrChannelNotFound):
		return KindChannelNotFound
	case errors.Is(err, ErrUserNotFound):
		return KindUserNotFound
	case errors.Is(err, ErrNotInThatChannel):
		return KindNotInThatChannel
	default:
		return KindUnavailable
	}
}

// KindError returns the sentinel error for a wire kind string, used by
// clients to surface typed failures.
func KindError(kind string) error {
	switch kind {
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindChannelAllocationFailed:
		return ErrChannelAllocationFailed
	case KindChannelNotFound:
		return ErrChannelNotFound
	case KindUserNotFound:
		return ErrUserNotFound
	case KindNotInThatChannel:
		return ErrNotInThatChannel
	default:
		return ErrUnavailable
	}
}
