package outspeed

import (
	"sync"
	"time"
)

var playback struct {
	mu    sync.Mutex
	start time.Time
}

// StartPlayback pins the playback origin. The first call wins; later calls
// are no-ops.
func StartPlayback() {
	playback.mu.Lock()
	defer playback.mu.Unlock()
	if playback.start.IsZero() {
		playback.start = time.Now()
	}
}

// PlaybackTime returns seconds elapsed since the playback origin, pinning the
// origin on first use.
func PlaybackTime() float64 {
	playback.mu.Lock()
	defer playback.mu.Unlock()
	if playback.start.IsZero() {
		playback.start = time.Now()
	}
	return time.Since(playback.start).Seconds()
}

func resetPlayback() {
	playback.mu.Lock()
	defer playback.mu.Unlock()
	playback.start = time.Time{}
}
