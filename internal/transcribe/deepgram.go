package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/sjawhar/visit-scribe/internal/audio"
)

type DeepgramConfig struct {
	APIKey   string
	Model    string
	Language string
	// IdleTimeout is how long to wait after the last result before
	// treating the recording as fully transcribed.
	IdleTimeout time.Duration
	// MaxWait bounds the whole submission.
	MaxWait time.Duration
	// ChunkBytes is the write size used when streaming the recording.
	ChunkBytes int
}

type liveConn interface {
	Connect() bool
	Write(p []byte) (int, error)
	Stop()
}

type dialFunc func(ctx context.Context, sampleRate int, cb *liveCollector) (liveConn, error)

var initDeepgram sync.Once

// DeepgramUploader replays a finalized recording through a Deepgram live
// connection and collects the final, diarized results.
type DeepgramUploader struct {
	cfg    DeepgramConfig
	dial   dialFunc
	poll   time.Duration
	logger *slog.Logger
}

func NewDeepgramUploader(cfg DeepgramConfig, logger *slog.Logger) *DeepgramUploader {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Minute
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 8192
	}
	if logger == nil {
		logger = slog.Default()
	}

	u := &DeepgramUploader{cfg: cfg, poll: 50 * time.Millisecond, logger: logger}
	u.dial = u.dialSDK
	return u
}

func (u *DeepgramUploader) dialSDK(ctx context.Context, sampleRate int, cb *liveCollector) (liveConn, error) {
	initDeepgram.Do(func() {
		client.Init(client.InitLib{LogLevel: client.LogLevelDefault})
	})

	cOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:       u.cfg.Model,
		Language:    u.cfg.Language,
		Diarize:     true,
		Punctuate:   true,
		SmartFormat: true,
		Encoding:    "linear16",
		SampleRate:  sampleRate,
		Channels:    1,
	}

	conn, err := client.NewWSUsingCallback(ctx, u.cfg.APIKey, cOptions, tOptions, cb)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (u *DeepgramUploader) Submit(ctx context.Context, blob audio.Blob, _ Metadata) (Transcription, error) {
	if len(blob.Data) == 0 {
		return Transcription{}, ErrEmptyAudio
	}

	ctx, cancel := context.WithTimeout(ctx, u.cfg.MaxWait)
	defer cancel()

	collector := newLiveCollector(u.logger)
	conn, err := u.dial(ctx, blob.SampleRate, collector)
	if err != nil {
		return Transcription{}, &NetworkError{Err: fmt.Errorf("create deepgram client: %w", err)}
	}
	if ok := conn.Connect(); !ok {
		return Transcription{}, &NetworkError{Err: errors.New("deepgram connect failed")}
	}
	defer conn.Stop()

	for off := 0; off < len(blob.Data); off += u.cfg.ChunkBytes {
		end := min(off+u.cfg.ChunkBytes, len(blob.Data))
		if _, err := conn.Write(blob.Data[off:end]); err != nil {
			return Transcription{}, &NetworkError{Err: fmt.Errorf("stream audio: %w", err)}
		}
	}
	collector.touch()

	if err := u.awaitResults(ctx, collector); err != nil {
		return Transcription{}, err
	}

	collector.flush()
	segments := collector.result()
	if len(segments) == 0 {
		if derr := collector.failure(); derr != nil {
			return Transcription{}, derr
		}
	}

	return Transcription{Text: joinSegments(segments), Segments: segments, Backend: "deepgram"}, nil
}

func (u *DeepgramUploader) awaitResults(ctx context.Context, c *liveCollector) error {
	ticker := time.NewTicker(u.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && len(c.result()) > 0 {
				return nil
			}
			return ctx.Err()
		case <-c.closed:
			return nil
		case <-ticker.C:
			if c.idleFor() >= u.cfg.IdleTimeout {
				return nil
			}
		}
	}
}

// liveCollector receives Deepgram callbacks for one submission.
type liveCollector struct {
	logger *slog.Logger
	buffer *UtteranceBuffer
	closed chan struct{}

	mu        sync.Mutex
	segments  []Segment
	lastEvent time.Time
	err       error
	closeOnce sync.Once
}

func newLiveCollector(logger *slog.Logger) *liveCollector {
	return &liveCollector{
		logger:    logger,
		buffer:    NewUtteranceBuffer(),
		closed:    make(chan struct{}),
		lastEvent: time.Now(),
	}
}

func (c *liveCollector) touch() {
	c.mu.Lock()
	c.lastEvent = time.Now()
	c.mu.Unlock()
}

func (c *liveCollector) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastEvent)
}

func (c *liveCollector) flush() {
	words := c.buffer.Flush()
	if len(words) == 0 {
		return
	}
	segments := GroupWordsBySpeaker(words)
	c.mu.Lock()
	c.segments = append(c.segments, segments...)
	c.mu.Unlock()
}

func (c *liveCollector) result() []Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Segment, len(c.segments))
	copy(out, c.segments)
	return out
}

func (c *liveCollector) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *liveCollector) Message(mr *api.MessageResponse) error {
	c.touch()
	if len(mr.Channel.Alternatives) == 0 || !mr.IsFinal {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return nil
	}

	words := make([]Word, 0, len(alt.Words))
	for _, word := range alt.Words {
		words = append(words, Word{
			Speaker:        word.Speaker,
			PunctuatedWord: word.PunctuatedWord,
			Start:          word.Start,
			End:            word.End,
		})
	}
	c.buffer.AddWords(words)

	if mr.SpeechFinal {
		c.flush()
	}
	return nil
}

func (c *liveCollector) Open(*api.OpenResponse) error {
	c.logger.Debug("connected to Deepgram")
	return nil
}

func (c *liveCollector) Metadata(*api.MetadataResponse) error { return nil }

func (c *liveCollector) SpeechStarted(*api.SpeechStartedResponse) error {
	c.touch()
	return nil
}

func (c *liveCollector) UtteranceEnd(*api.UtteranceEndResponse) error {
	c.touch()
	c.flush()
	return nil
}

func (c *liveCollector) Close(*api.CloseResponse) error {
	c.logger.Debug("disconnected from Deepgram")
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *liveCollector) Error(er *api.ErrorResponse) error {
	c.logger.Warn("deepgram error", "code", er.ErrCode, "description", er.Description)
	c.mu.Lock()
	c.err = &ServerError{Status: 0, Detail: fmt.Sprintf("%s: %s", er.ErrCode, er.Description)}
	c.mu.Unlock()
	return nil
}

func (c *liveCollector) UnhandledEvent([]byte) error { return nil }
