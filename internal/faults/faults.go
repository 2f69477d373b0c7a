// Package faults classifies every error the matchmaking client can produce
// into the five fault kinds the UI layer reacts to.
package faults

import "errors"

// Kind groups faults by how they are resolved.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport faults are retried with backoff, then surfaced.
	KindTransport
	// KindProtocol faults are dropped and logged; session state is unchanged.
	KindProtocol
	// KindMedia faults stop video but never the session.
	KindMedia
	// KindNegotiation faults get one ICE restart, then degrade video.
	KindNegotiation
	// KindPolicy faults are refused at the call site with a quiet notice.
	KindPolicy
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindMedia:
		return "media"
	case KindNegotiation:
		return "negotiation"
	case KindPolicy:
		return "policy"
	default:
		return "unknown"
	}
}

// Error is a classified fault. Code is stable and safe to show to users or
// match in tests; Message is the human text.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	Recoverable bool
}

func (e *Error) Error() string {
	return e.Message
}

func newFault(kind Kind, code, message string, recoverable bool) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Recoverable: recoverable}
}

var (
	ErrConnectionExhausted = newFault(KindTransport, "connection_exhausted", "could not reach the chat server, please retry", false)
	ErrDuplicateSession    = newFault(KindTransport, "duplicate_session", "chat is already open in another tab", false)
	ErrTransportClosed     = newFault(KindTransport, "transport_closed", "connection to the chat server was lost", true)

	ErrInvalidPayload  = newFault(KindProtocol, "invalid_payload", "malformed message from server", true)
	ErrUnexpectedMatch = newFault(KindProtocol, "unexpected_match", "received a match for a different room", true)
	ErrSelfMatch       = newFault(KindProtocol, "self_match", "matching error, please retry", true)
	ErrStaleEvent      = newFault(KindProtocol, "stale_event", "event does not belong to the current room", true)

	ErrMediaUnavailable = newFault(KindMedia, "media_unavailable", "camera or microphone unavailable", false)

	ErrVideoUnavailable = newFault(KindNegotiation, "video_unavailable", "video unavailable, text chat continues", true)

	ErrNotConnected       = newFault(KindPolicy, "not_connected", "not connected to the chat server", true)
	ErrAlreadySearching   = newFault(KindPolicy, "already_searching", "already looking for a partner", true)
	ErrAlreadyMatched     = newFault(KindPolicy, "already_matched", "already chatting with a partner", true)
	ErrNotSearching       = newFault(KindPolicy, "not_searching", "not looking for a partner", true)
	ErrNotMatched         = newFault(KindPolicy, "not_matched", "no partner to talk to", true)
	ErrRateLimited        = newFault(KindPolicy, "rate_limited", "searching too fast, wait a moment", true)
	ErrAutoSearchDisabled = newFault(KindPolicy, "auto_search_disabled", "automatic search stopped, press find to search again", true)
	ErrServerCooldown     = newFault(KindPolicy, "server_cooldown", "the server asked us to wait before searching again", true)
	ErrSearchFailed       = newFault(KindPolicy, "search_failed", "search failed, please retry", true)
)

// KindOf returns the kind of the first classified fault in err's chain.
func KindOf(err error) Kind {
	var f *Error
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first classified fault in err's chain.
func CodeOf(err error) string {
	var f *Error
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsRecoverable reports whether the session can continue without user
// intervention beyond a retry. Unclassified errors are treated as
// recoverable so that they never strand the session.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var f *Error
	if errors.As(err, &f) {
		return f.Recoverable
	}
	return true
}

// IsPolicy reports whether err is a policy refusal.
func IsPolicy(err error) bool {
	return KindOf(err) == KindPolicy
}
