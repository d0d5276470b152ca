package relay

import (
	"errors"

	"github.com/lzyats/im-relay/internal/pending"
)

// Per-frame failures. None of them ends the connection.
var (
	ErrMalformedFrame   = errors.New("relay: malformed frame")
	ErrUnknownFrameType = errors.New("relay: unknown frame type")
	// ErrRecipientUnknown is only reported in diagnostics: identities are not
	// validated and frames for them are stored regardless.
	ErrRecipientUnknown = errors.New("relay: recipient not connected")
	// ErrChannelClosedDuringForward: the recipient went away between lookup
	// and send; the frame is persisted instead.
	ErrChannelClosedDuringForward = errors.New("relay: channel closed during forward")
	ErrStoreUnavailable           = pending.ErrUnavailable
)

const errCodeStoreUnavailable = "store_unavailable"
