package orchestrator

import "sync"

// Phase is what the chat surface shows.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseSearching        Phase = "searching"
	PhaseMatched          Phase = "matched"
	PhaseConnectionError  Phase = "connectionError"
	PhaseMediaUnavailable Phase = "mediaUnavailable"
	PhaseRateLimited      Phase = "rateLimited"
)

// Video is the state of the video call inside a match.
type Video string

const (
	VideoNone        Video = "none"
	VideoNegotiating Video = "negotiating"
	VideoConnected   Video = "connected"
	VideoUnavailable Video = "unavailable"
)

// Status is the UI projection of the whole session.
type Status struct {
	Phase     Phase
	RoomID    string
	PartnerID string
	Video     Video
	// Messages counts chat messages received in the current match.
	Messages int
	Notice   string
	Err      error
}

// board holds the latest Status and delivers changes to one observer, in
// order.
type board struct {
	mu       sync.Mutex
	current  Status
	observer func(Status)

	notifyMu sync.Mutex
}

func newBoard() *board {
	return &board{current: Status{Phase: PhaseIdle, Video: VideoNone}}
}

func (b *board) setObserver(fn func(Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = fn
}

func (b *board) snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// update applies fn and notifies the observer when the status changed.
func (b *board) update(fn func(*Status)) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	before := b.current
	fn(&b.current)
	after := b.current
	observer := b.observer
	b.mu.Unlock()

	if observer != nil && !sameStatus(before, after) {
		observer(after)
	}
}

func sameStatus(a, b Status) bool {
	aErr, bErr := a.Err, b.Err
	a.Err, b.Err = nil, nil
	return a == b && errText(aErr) == errText(bErr)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
