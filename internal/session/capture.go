package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/visit-scribe/internal/audio"
)

type CaptureConfig struct {
	SilenceThreshold uint8
	QuietDuration    time.Duration
	ChunkInterval    time.Duration
	TickInterval     time.Duration
	FlushDelay       time.Duration
	SettleDelay      time.Duration
	MaxDuration      time.Duration
	Analyser         audio.AnalyserConfig
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SilenceThreshold: 15,
		QuietDuration:    5 * time.Second,
		ChunkInterval:    time.Second,
		TickInterval:     16 * time.Millisecond,
		FlushDelay:       100 * time.Millisecond,
		SettleDelay:      150 * time.Millisecond,
	}
}

type CaptureHooks struct {
	OnSilence func(visit VisitContext)
	// OnStreamFailed runs when the input dies while recording, before the
	// capture is stopped with StopStreamFailed.
	OnStreamFailed func(visit VisitContext, err error)
	// OnStopped runs for every capture that reaches Stopped.
	OnStopped func(result Finalized)
	// Handoff runs at most once per capture, and only with a non-empty blob.
	Handoff func(result Finalized)
}

type recorderFactory func(stream audio.Stream, interval time.Duration, onData func([]byte), onStop func()) ChunkRecorder

// Capture owns the microphone stream, the chunk recorder, the level
// analyser and the silence detector for one capture at a time. Every
// deferred callback carries the token of the capture that created it and
// is ignored once that capture is no longer current.
type Capture struct {
	cfg    CaptureConfig
	source audio.Source
	hooks  CaptureHooks
	logger *slog.Logger

	attach      func(audio.Stream) (LevelSampler, error)
	newRecorder recorderFactory
	newTicker   audio.TickerFunc
	now         func() time.Time
	sleep       func(time.Duration)

	mu         sync.Mutex
	state      State
	token      uint64
	visit      VisitContext
	stream     audio.Stream
	sampleRate int
	sampler    LevelSampler
	recorder   ChunkRecorder
	detector   *SilenceDetector
	maxTimer   *time.Timer
	chunks     [][]byte
	startedAt  time.Time
	reason     StopReason
	finished   chan struct{}
}

func NewCapture(source audio.Source, cfg CaptureConfig, hooks CaptureHooks, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Capture{
		cfg:       cfg,
		source:    source,
		hooks:     hooks,
		logger:    logger,
		newTicker: audio.NewTicker,
		now:       time.Now,
		sleep:     time.Sleep,
		state:     StateIdle,
	}
	c.attach = func(s audio.Stream) (LevelSampler, error) {
		return audio.Attach(s, c.cfg.Analyser)
	}
	c.newRecorder = func(s audio.Stream, interval time.Duration, onData func([]byte), onStop func()) ChunkRecorder {
		return audio.NewChunkRecorder(s, interval, onData, onStop)
	}
	return c
}

// Start acquires the stream and begins recording. On failure the capture
// returns to Idle with nothing left open.
func (c *Capture) Start(ctx context.Context, visit VisitContext) (uint64, error) {
	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return 0, ErrSessionActive
	}
	next, err := Transition(c.state, EventStart)
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	c.state = next
	c.token++
	tok := c.token
	c.visit = visit
	c.startedAt = time.Time{}
	c.finished = make(chan struct{})
	c.mu.Unlock()

	stream, err := c.source.RequestStream(ctx)
	if err != nil {
		if !c.failStart(tok) {
			return 0, ErrSuperseded
		}
		return 0, fmt.Errorf("request stream: %w", err)
	}

	sampler, err := c.attach(stream)
	if err != nil {
		_ = stream.Stop()
		if !c.failStart(tok) {
			return 0, ErrSuperseded
		}
		return 0, fmt.Errorf("attach level monitor: %w", err)
	}

	c.mu.Lock()
	if tok != c.token || c.state != StateStarting || ctx.Err() != nil {
		c.mu.Unlock()
		sampler.Detach()
		_ = stream.Stop()
		c.failStart(tok)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, ErrSuperseded
	}

	recorder := c.newRecorder(stream, c.cfg.ChunkInterval, c.chunkHandler(tok), c.recorderStoppedHandler(tok))
	if err := recorder.Start(); err != nil {
		c.mu.Unlock()
		sampler.Detach()
		_ = stream.Stop()
		if !c.failStart(tok) {
			return 0, ErrSuperseded
		}
		return 0, fmt.Errorf("%w: start recorder: %v", audio.ErrCaptureUnavailable, err)
	}

	detector := NewSilenceDetector(DetectorConfig{
		Threshold:     c.cfg.SilenceThreshold,
		QuietDuration: c.cfg.QuietDuration,
		TickInterval:  c.cfg.TickInterval,
	}, sampler.SampleLevel, func() { c.silenceFired(tok) })
	detector.now = c.now
	detector.newTicker = c.newTicker

	c.state, _ = Transition(c.state, EventStreamReady)
	c.stream = stream
	c.sampleRate = stream.SampleRate()
	c.sampler = sampler
	c.recorder = recorder
	c.detector = detector
	c.chunks = nil
	c.reason = ""
	c.startedAt = c.now()
	if c.cfg.MaxDuration > 0 {
		c.maxTimer = time.AfterFunc(c.cfg.MaxDuration, func() { c.stop(tok, StopMaxDuration) })
	}
	c.mu.Unlock()

	detector.Start()
	go c.watchStream(tok, stream)
	c.logger.Info("capture started", "token", tok, "visit_id", visit.VisitID, "sample_rate", stream.SampleRate())
	return tok, nil
}

// Stop ends the current capture. It returns false when there was nothing
// to stop, which makes repeated calls harmless.
func (c *Capture) Stop(reason StopReason) bool {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	return c.stop(tok, reason)
}

func (c *Capture) stop(tok uint64, reason StopReason) bool {
	c.mu.Lock()
	if tok != c.token {
		c.mu.Unlock()
		return false
	}

	switch c.state {
	case StateStarting:
		c.state, _ = Transition(c.state, EventStop)
		c.token++
		close(c.finished)
		c.mu.Unlock()
		c.logger.Info("capture abandoned before stream was ready", "token", tok)
		return true
	case StateRecording:
	default:
		c.mu.Unlock()
		return false
	}

	c.state, _ = Transition(c.state, EventStop)
	c.reason = reason
	detector, sampler, recorder, timer := c.detector, c.sampler, c.recorder, c.maxTimer
	c.maxTimer = nil
	c.mu.Unlock()

	c.logger.Info("capture stopping", "token", tok, "reason", reason)
	if timer != nil {
		timer.Stop()
	}
	detector.Cancel()
	sampler.Detach()
	recorder.RequestData()
	c.sleep(c.cfg.FlushDelay)
	recorder.Stop()
	return true
}

func (c *Capture) silenceFired(tok uint64) {
	c.mu.Lock()
	if tok != c.token || c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	visit := c.visit
	c.mu.Unlock()

	c.logger.Info("silence detected", "token", tok, "visit_id", visit.VisitID)
	if c.hooks.OnSilence != nil {
		c.hooks.OnSilence(visit)
	}
	c.stop(tok, StopSilence)
}

// watchStream stops the capture when the input dies underneath it.
func (c *Capture) watchStream(tok uint64, stream audio.Stream) {
	<-stream.Done()
	err := stream.Err()
	if err == nil {
		return
	}

	c.mu.Lock()
	if tok != c.token || c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	visit := c.visit
	c.mu.Unlock()

	c.logger.Error("input stream failed", "token", tok, "visit_id", visit.VisitID, "err", err)
	if c.hooks.OnStreamFailed != nil {
		c.hooks.OnStreamFailed(visit, err)
	}
	c.stop(tok, StopStreamFailed)
}

func (c *Capture) chunkHandler(tok uint64) func([]byte) {
	return func(chunk []byte) {
		if len(chunk) == 0 {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()

		if tok != c.token {
			return
		}
		switch c.state {
		case StateRecording, StateStopping, StateFinalizing:
			c.chunks = append(c.chunks, chunk)
		}
	}
}

func (c *Capture) recorderStoppedHandler(tok uint64) func() {
	return func() {
		c.mu.Lock()
		if tok != c.token || c.state != StateStopping {
			c.mu.Unlock()
			return
		}
		c.state, _ = Transition(c.state, EventRecorderStopped)
		stream := c.stream
		c.mu.Unlock()

		c.sleep(c.cfg.SettleDelay)
		if err := stream.Stop(); err != nil {
			c.logger.Warn("release input stream failed", "token", tok, "err", err)
		}
		c.finalize(tok)
	}
}

func (c *Capture) finalize(tok uint64) {
	c.mu.Lock()
	if tok != c.token || c.state != StateFinalizing {
		c.mu.Unlock()
		return
	}

	size := 0
	for _, chunk := range c.chunks {
		size += len(chunk)
	}
	data := make([]byte, 0, size)
	for _, chunk := range c.chunks {
		data = append(data, chunk...)
	}

	result := Finalized{
		Token:     tok,
		Visit:     c.visit,
		Reason:    c.reason,
		StartedAt: c.startedAt,
		EndedAt:   c.now(),
		Blob: audio.Blob{
			Data:       data,
			MimeType:   audio.PCMMimeType,
			SampleRate: c.sampleRate,
			Chunks:     len(c.chunks),
		},
	}

	c.chunks = nil
	c.stream = nil
	c.sampler = nil
	c.recorder = nil
	c.detector = nil
	c.state, _ = Transition(c.state, EventDrained)
	finished := c.finished
	c.mu.Unlock()
	defer close(finished)

	c.logger.Info("capture finalized", "token", tok, "reason", result.Reason, "bytes", len(data), "chunks", result.Blob.Chunks)
	if c.hooks.OnStopped != nil {
		c.hooks.OnStopped(result)
	}
	if len(data) > 0 && c.hooks.Handoff != nil {
		c.hooks.Handoff(result)
	}
}

// failStart returns the capture to Idle. It reports false when a stop
// already abandoned this start.
func (c *Capture) failStart(tok uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tok != c.token || c.state != StateStarting {
		return false
	}
	c.state, _ = Transition(c.state, EventStartFailed)
	close(c.finished)
	return true
}

// Wait blocks until the current capture has fully stopped and its hooks
// have returned, or ctx ends.
func (c *Capture) Wait(ctx context.Context) error {
	c.mu.Lock()
	finished := c.finished
	c.mu.Unlock()

	if finished == nil {
		return nil
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type CaptureStatus struct {
	State       State        `json:"state"`
	Token       uint64       `json:"token"`
	Visit       VisitContext `json:"visit"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	Level       uint8        `json:"level"`
	LastSoundAt *time.Time   `json:"last_sound_at,omitempty"`
}

func (c *Capture) Status() CaptureStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := CaptureStatus{State: c.state, Token: c.token}
	if c.state.Active() {
		status.Visit = c.visit
		started := c.startedAt
		if !started.IsZero() {
			status.StartedAt = &started
		}
	}
	if c.detector != nil {
		status.Level = c.detector.LastLevel()
		if at := c.detector.LastSoundAt(); !at.IsZero() {
			status.LastSoundAt = &at
		}
	}
	return status
}

func (c *Capture) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
