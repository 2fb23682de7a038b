package audio

import (
	"context"
	"sync"
	"time"
)

// Source hands out exclusive live input streams.
type Source interface {
	RequestStream(ctx context.Context) (Stream, error)
}

// Stream is a live mono PCM16 input. Frames are fanned out to every tap in
// the order they were captured. Stop releases the underlying device and is
// safe to call more than once. Done is closed once no more frames will
// arrive; Err then reports why, or nil after a plain Stop.
type Stream interface {
	SampleRate() int
	Channels() int
	Tap(fn func(frame []int16)) (remove func())
	Done() <-chan struct{}
	Err() error
	Stop() error
}

// tapSet is the fan-out used by Stream implementations.
type tapSet struct {
	mu   sync.RWMutex
	next int
	taps map[int]func([]int16)
}

func (t *tapSet) add(fn func([]int16)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.taps == nil {
		t.taps = make(map[int]func([]int16))
	}
	id := t.next
	t.next++
	t.taps[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.taps, id)
			t.mu.Unlock()
		})
	}
}

func (t *tapSet) dispatch(frame []int16) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, fn := range t.taps {
		fn(frame)
	}
}

// Blob is the finalized audio of one capture: raw mono PCM16 chunks
// concatenated in capture order.
type Blob struct {
	Data       []byte
	MimeType   string
	SampleRate int
	Chunks     int
}

// Duration is the playback length implied by the PCM payload.
func (b Blob) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	samples := len(b.Data) / 2
	return time.Duration(samples) * time.Second / time.Duration(b.SampleRate)
}
