package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// StaticSource is a MediaSource over a fixed set of pre-built local
// tracks (e.g. TrackLocalStaticSample fed by a file or generator). A
// headless peer with no capture at all uses an empty source and joins
// receive-only.
type StaticSource struct {
	mu       sync.Mutex
	tracks   []webrtc.TrackLocal
	audioOn  bool
	closedFn func()
}

func NewStaticSource(tracks ...webrtc.TrackLocal) *StaticSource {
	return &StaticSource{tracks: tracks, audioOn: true}
}

func (s *StaticSource) Tracks() ([]webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), s.tracks...), nil
}

// SetTracks replaces the track set; callers follow up with
// Session.UpdateMedia to push the change to every peer link.
func (s *StaticSource) SetTracks(tracks []webrtc.TrackLocal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = tracks
}

// SetAudioEnabled records the mute flag. Static tracks have no enablement
// bit; the sample feeder consults AudioEnabled and writes silence while
// muted.
func (s *StaticSource) SetAudioEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioOn = on
}

func (s *StaticSource) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOn
}

// OnClose registers a capture-release hook (stop generators, close files).
func (s *StaticSource) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedFn = fn
}

func (s *StaticSource) Close() error {
	s.mu.Lock()
	fn := s.closedFn
	s.closedFn = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}
