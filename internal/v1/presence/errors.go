package presence

import "errors"

// Error kinds per spec §7. StaleEpoch is deliberately absent: it is never
// surfaced as an error, only folded into HeartbeatResult{Changed: false}.
var (
	ErrInvalidArgument    = errors.New("presence: invalid argument")
	ErrAlreadyJoinedOther = errors.New("presence: already joined another room")
	ErrUnknownConnection  = errors.New("presence: unknown connection")
	ErrStoreUnavailable   = errors.New("presence: store unavailable")
	ErrInternal           = errors.New("presence: internal error")
)
