package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/mossy-p/webrtc-matchmaking/internal/faults"
)

// MediaSource provides the local camera and microphone tracks. Acquire is
// called at most once per held stream; Release stops the capture.
type MediaSource interface {
	Acquire(ctx context.Context) ([]webrtc.TrackLocal, error)
	Release()
}

const (
	videoFrameInterval = 33 * time.Millisecond
	audioFrameInterval = 20 * time.Millisecond
)

// SyntheticSource produces a VP8 video track and an Opus audio track fed
// with placeholder frames. It stands in for capture devices in headless
// clients and tests.
type SyntheticSource struct {
	mu     sync.Mutex
	stop   chan struct{}
	done   sync.WaitGroup
	tracks []webrtc.TrackLocal
}

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{}
}

func (s *SyntheticSource) Acquire(ctx context.Context) ([]webrtc.TrackLocal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracks != nil {
		return s.tracks, nil
	}

	streamID := "local-" + uuid.NewString()
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("creating video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("creating audio track: %w", err)
	}

	s.stop = make(chan struct{})
	s.done.Add(2)
	go s.pump(s.stop, video, videoFrameInterval, make([]byte, 160))
	go s.pump(s.stop, audio, audioFrameInterval, make([]byte, 40))

	s.tracks = []webrtc.TrackLocal{video, audio}
	return s.tracks, nil
}

func (s *SyntheticSource) Release() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.tracks = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		s.done.Wait()
	}
}

func (s *SyntheticSource) pump(stop <-chan struct{}, track *webrtc.TrackLocalStaticSample, interval time.Duration, frame []byte) {
	defer s.done.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Unbound tracks drop the sample.
			_ = track.WriteSample(media.Sample{Data: frame, Duration: interval})
		}
	}
}

// UnavailableSource models a participant who denied camera access.
type UnavailableSource struct{}

func (UnavailableSource) Acquire(context.Context) ([]webrtc.TrackLocal, error) {
	return nil, faults.ErrMediaUnavailable
}

func (UnavailableSource) Release() {}
