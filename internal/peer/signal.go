package peer

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-matchmaking/internal/faults"
)

// Signal is the signalData carried by a webrtcSignal event. It holds either
// a session description ({type, sdp}) or a trickled candidate
// ({candidate}).
type Signal struct {
	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// IsCandidate reports whether the signal carries an ICE candidate.
func (s Signal) IsCandidate() bool { return s.Candidate != nil }

// Description converts an offer or answer signal to a pion description.
func (s Signal) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(s.Type), SDP: s.SDP}
}

// DecodeSignal parses signalData, discriminating by the type field and the
// presence of a candidate.
func DecodeSignal(raw json.RawMessage) (Signal, error) {
	var s Signal
	if len(raw) == 0 {
		return s, fmt.Errorf("empty signalData: %w", faults.ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decoding signalData: %v: %w", err, faults.ErrInvalidPayload)
	}
	if s.Candidate != nil {
		return s, nil
	}
	switch s.Type {
	case "offer", "answer":
		if s.SDP == "" {
			return s, fmt.Errorf("%s without sdp: %w", s.Type, faults.ErrInvalidPayload)
		}
		return s, nil
	default:
		return s, fmt.Errorf("unknown signal type %q: %w", s.Type, faults.ErrInvalidPayload)
	}
}

func descriptionSignal(d webrtc.SessionDescription) Signal {
	return Signal{Type: d.Type.String(), SDP: d.SDP}
}

func candidateSignal(c webrtc.ICECandidateInit) Signal {
	return Signal{Candidate: &c}
}
