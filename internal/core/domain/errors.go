package domain

import "errors"

var (
	ErrChannelNotFound       = errors.New("channel not found")
	ErrSessionNotFound       = errors.New("session not found")
	ErrNotMember             = errors.New("session is not a member of the channel")
	ErrStreamNotFound        = errors.New("stream not found")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrFloorCapacityExceeded = errors.New("screen-share capacity exceeded")
	ErrRequestTimeout        = errors.New("share request timed out")
	ErrRequestNotFound       = errors.New("share request not found")
	ErrShareNotFound         = errors.New("share not found")
	ErrAlreadySharing        = errors.New("requester already has an active share")
	ErrUnknownTier           = errors.New("unknown share tier")
	ErrChannelClosed         = errors.New("channel supervisor closed")
)
