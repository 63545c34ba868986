package transport

import (
	"errors"

	"github.com/outpostlabs/presence-fabric/internal/v1/presence"
)

// errorKind translates any error returned by a Binding Handle* method into
// one of the wire-level kinds named in spec §7. Unrecognized errors are
// reported as "Internal" rather than leaking implementation detail.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errAlreadyJoinedOther):
		return "AlreadyJoinedOther"
	case errors.Is(err, presence.ErrInvalidArgument):
		return "InvalidArgument"
	case errors.Is(err, presence.ErrAlreadyJoinedOther):
		return "AlreadyJoinedOther"
	case errors.Is(err, presence.ErrUnknownConnection):
		return "UnknownConnection"
	case errors.Is(err, presence.ErrStoreUnavailable):
		return "StoreUnavailable"
	default:
		return "Internal"
	}
}
