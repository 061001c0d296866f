package proc

import "errors"

var (
	ErrLookupFailed      = errors.New("intro lookup failed")
	ErrSourceUnavailable = errors.New("audio source unavailable")
	ErrJoinFailed        = errors.New("voice join failed")
	ErrLeaveFailed       = errors.New("voice leave failed")
	ErrNotJoined         = errors.New("no voice connection for guild")
	ErrGuildBusy         = errors.New("guild already has a session in another channel")
	ErrInboxClosed       = errors.New("orchestrator inbox closed")
)
