package audio

import (
	"errors"
	"sync"
	"time"
)

var errRecorderStarted = errors.New("chunk recorder already started")

// ChunkRecorder taps a Stream and emits the captured PCM in periodic chunks.
// RequestData flushes whatever is pending immediately. Stop emits the final
// chunk and then reports completion through onStop on its own goroutine.
type ChunkRecorder struct {
	stream    Stream
	interval  time.Duration
	onData    func([]byte)
	onStop    func()
	newTicker TickerFunc

	emitMu  sync.Mutex
	mu      sync.Mutex
	pending []byte
	started bool
	stopped bool
	untap   func()
	done    chan struct{}
}

func NewChunkRecorder(stream Stream, interval time.Duration, onData func([]byte), onStop func()) *ChunkRecorder {
	if interval <= 0 {
		interval = time.Second
	}
	return &ChunkRecorder{
		stream:    stream,
		interval:  interval,
		onData:    onData,
		onStop:    onStop,
		newTicker: NewTicker,
		done:      make(chan struct{}),
	}
}

// SetTicker overrides the chunk cadence source.
func (r *ChunkRecorder) SetTicker(fn TickerFunc) {
	r.newTicker = fn
}

func (r *ChunkRecorder) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errRecorderStarted
	}
	r.started = true
	r.untap = r.stream.Tap(r.capture)
	ticker := r.newTicker(r.interval)
	r.mu.Unlock()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C():
				r.flush()
			}
		}
	}()
	return nil
}

func (r *ChunkRecorder) capture(frame []int16) {
	pcm := EncodePCM16(frame)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.pending = append(r.pending, pcm...)
}

// RequestData emits any buffered audio now.
func (r *ChunkRecorder) RequestData() {
	r.flush()
}

// Stop detaches from the stream, emits the remainder and schedules onStop.
// Calls after the first are ignored.
func (r *ChunkRecorder) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	untap := r.untap
	r.mu.Unlock()

	untap()
	close(r.done)
	r.emit(true)

	if r.onStop != nil {
		go r.onStop()
	}
}

func (r *ChunkRecorder) flush() {
	r.emit(false)
}

// emit serializes emission so chunks reach onData in capture order.
func (r *ChunkRecorder) emit(final bool) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if r.stopped && !final {
		r.mu.Unlock()
		return
	}
	chunk := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(chunk) > 0 && r.onData != nil {
		r.onData(chunk)
	}
}
