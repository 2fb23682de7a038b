package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const defaultFramesPerBuffer = 1024

// paStream is the subset of *portaudio.Stream the capture loop needs.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
}

// InitPortAudio initializes the PortAudio library and returns its teardown.
func InitPortAudio() (func(), error) {
	if err := portaudio.Initialize(); err != nil {
		return func() {}, classifyError(err)
	}
	return func() { _ = portaudio.Terminate() }, nil
}

// PortAudioSource opens the default input device, trying each candidate
// sample rate in order until one is accepted.
type PortAudioSource struct {
	sampleRates     []int
	framesPerBuffer int
	logger          *slog.Logger

	open func(sampleRate, framesPerBuffer int) (paStream, []int16, error)
}

func NewPortAudioSource(sampleRates []int, framesPerBuffer int, logger *slog.Logger) *PortAudioSource {
	if len(sampleRates) == 0 {
		sampleRates = []int{defaultSampleRate}
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = defaultFramesPerBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PortAudioSource{
		sampleRates:     sampleRates,
		framesPerBuffer: framesPerBuffer,
		logger:          logger,
		open:            openDefaultStream,
	}
}

func openDefaultStream(sampleRate, framesPerBuffer int) (paStream, []int16, error) {
	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, nil, err
	}
	return stream, buf, nil
}

// RequestStream opens and starts a capture stream. Errors are classified into
// ErrPermissionDenied, ErrDeviceNotFound or ErrCaptureUnavailable.
func (s *PortAudioSource) RequestStream(ctx context.Context) (Stream, error) {
	var lastErr error
	for _, rate := range s.sampleRates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pa, buf, err := s.open(rate, s.framesPerBuffer)
		if err != nil {
			lastErr = classifyError(err)
			s.logger.Warn("microphone open failed", "sample_rate", rate, "err", err)
			if !errors.Is(lastErr, ErrCaptureUnavailable) {
				return nil, lastErr
			}
			continue
		}

		if err := pa.Start(); err != nil {
			_ = pa.Close()
			lastErr = classifyError(err)
			s.logger.Warn("microphone start failed", "sample_rate", rate, "err", err)
			if !errors.Is(lastErr, ErrCaptureUnavailable) {
				return nil, lastErr
			}
			continue
		}

		s.logger.Info("microphone started", "sample_rate", rate)
		m := &micStream{
			pa:         pa,
			buf:        buf,
			sampleRate: rate,
			logger:     s.logger,
			done:       make(chan struct{}),
			readDone:   make(chan struct{}),
		}
		go m.readLoop()
		return m, nil
	}

	if lastErr == nil {
		lastErr = ErrCaptureUnavailable
	}
	return nil, lastErr
}

type micStream struct {
	pa         paStream
	buf        []int16
	sampleRate int
	logger     *slog.Logger
	taps       tapSet

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
	readDone chan struct{}
	readErr  error
}

func (m *micStream) SampleRate() int { return m.sampleRate }
func (m *micStream) Channels() int   { return 1 }

func (m *micStream) Tap(fn func(frame []int16)) func() {
	return m.taps.add(fn)
}

func (m *micStream) Done() <-chan struct{} { return m.readDone }

func (m *micStream) Err() error {
	select {
	case <-m.readDone:
		return m.readErr
	default:
		return nil
	}
}

func (m *micStream) Stop() error {
	m.stopOnce.Do(func() {
		close(m.done)
		if err := m.pa.Stop(); err != nil {
			m.stopErr = fmt.Errorf("stop input stream: %w", err)
		}
		<-m.readDone
		if err := m.pa.Close(); err != nil && m.stopErr == nil {
			m.stopErr = fmt.Errorf("close input stream: %w", err)
		}
	})
	return m.stopErr
}

func (m *micStream) readLoop() {
	defer close(m.readDone)
	for {
		select {
		case <-m.done:
			return
		default:
		}

		if err := m.pa.Read(); err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			if errors.Is(err, portaudio.InputOverflowed) {
				m.logger.Warn("mic input overflow, continuing")
				continue
			}
			m.logger.Error("mic stream read failed", "err", err)
			m.readErr = fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
			return
		}

		frame := make([]int16, len(m.buf))
		copy(frame, m.buf)
		m.taps.dispatch(frame)
	}
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	var paErr portaudio.Error
	if errors.As(err, &paErr) {
		switch paErr {
		case portaudio.NoDefaultInputDevice, portaudio.InvalidDevice, portaudio.DeviceUnavailable:
			return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
		}
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	var hostErr portaudio.UnanticipatedHostError
	if errors.As(err, &hostErr) {
		text := strings.ToLower(hostErr.Text)
		if strings.Contains(text, "permission") || strings.Contains(text, "not permitted") || strings.Contains(text, "denied") {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
	}

	return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
}
