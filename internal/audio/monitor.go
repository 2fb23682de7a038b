package audio

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Analyser defaults mirror the conventional frequency-domain analyser node.
const (
	DefaultFFTSize     = 256
	DefaultSmoothing   = 0.3
	DefaultMinDecibels = -100.0
	DefaultMaxDecibels = -30.0
)

type AnalyserConfig struct {
	FFTSize     int
	Smoothing   float64
	MinDecibels float64
	MaxDecibels float64
}

func (c AnalyserConfig) withDefaults() AnalyserConfig {
	if c.FFTSize == 0 {
		c.FFTSize = DefaultFFTSize
	}
	if c.Smoothing == 0 {
		c.Smoothing = DefaultSmoothing
	}
	if c.MinDecibels == 0 && c.MaxDecibels == 0 {
		c.MinDecibels = DefaultMinDecibels
		c.MaxDecibels = DefaultMaxDecibels
	}
	return c
}

// Analyser computes a 0-255 loudness level from the most recent FFTSize
// samples of a stream: Blackman window, magnitude spectrum, exponential
// smoothing across frames, then decibels mapped onto a byte range and
// averaged over all frequency bins.
type Analyser struct {
	cfg    AnalyserConfig
	fft    *fourier.FFT
	window []float64

	mu       sync.Mutex
	ring     []float64
	pos      int
	dirty    bool
	frame    []float64
	coeffs   []complex128
	smoothed []float64
	last     uint8
	untap    func()
	detached bool
}

// Attach opens an analysis pipeline on stream. It fails with
// ErrUnsupportedMedia when the stream is not mono PCM with a usable rate.
func Attach(stream Stream, cfg AnalyserConfig) (*Analyser, error) {
	cfg = cfg.withDefaults()
	if stream == nil {
		return nil, fmt.Errorf("%w: nil stream", ErrUnsupportedMedia)
	}
	if stream.SampleRate() <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrUnsupportedMedia, stream.SampleRate())
	}
	if stream.Channels() != 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedMedia, stream.Channels())
	}
	if cfg.FFTSize < 32 || cfg.FFTSize&(cfg.FFTSize-1) != 0 {
		return nil, fmt.Errorf("fft size %d is not a power of two >= 32", cfg.FFTSize)
	}
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		return nil, fmt.Errorf("smoothing %.2f outside [0,1)", cfg.Smoothing)
	}
	if cfg.MaxDecibels <= cfg.MinDecibels {
		return nil, fmt.Errorf("max decibels %.1f must exceed min decibels %.1f", cfg.MaxDecibels, cfg.MinDecibels)
	}

	n := cfg.FFTSize
	win := make([]float64, n)
	for i := range win {
		win[i] = 1
	}

	a := &Analyser{
		cfg:      cfg,
		fft:      fourier.NewFFT(n),
		window:   window.Blackman(win),
		ring:     make([]float64, n),
		frame:    make([]float64, n),
		coeffs:   make([]complex128, n/2+1),
		smoothed: make([]float64, n/2),
	}
	a.untap = stream.Tap(a.push)
	return a, nil
}

func (a *Analyser) push(frame []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.detached {
		return
	}
	for _, s := range frame {
		a.ring[a.pos] = float64(s) / 32768.0
		a.pos = (a.pos + 1) % len(a.ring)
	}
	if len(frame) > 0 {
		a.dirty = true
	}
}

// SampleLevel returns the current level. Without new audio since the last
// call it returns the previous value unchanged.
func (a *Analyser) SampleLevel() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.detached || !a.dirty {
		return a.last
	}
	a.dirty = false

	n := len(a.ring)
	for i := range a.frame {
		a.frame[i] = a.ring[(a.pos+i)%n] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	span := a.cfg.MaxDecibels - a.cfg.MinDecibels
	var sum float64
	for k := range a.smoothed {
		mag := cmplx.Abs(a.coeffs[k]) / float64(n)
		a.smoothed[k] = a.cfg.Smoothing*a.smoothed[k] + (1-a.cfg.Smoothing)*mag
		sum += byteScale(a.smoothed[k], a.cfg.MinDecibels, span)
	}

	a.last = uint8(sum / float64(len(a.smoothed)))
	return a.last
}

// Detach releases the pipeline. Safe to call more than once.
func (a *Analyser) Detach() {
	a.mu.Lock()
	if a.detached {
		a.mu.Unlock()
		return
	}
	a.detached = true
	untap := a.untap
	a.mu.Unlock()

	if untap != nil {
		untap()
	}
}

func byteScale(magnitude, minDB, span float64) float64 {
	if magnitude <= 0 {
		return 0
	}
	db := 20 * math.Log10(magnitude)
	v := math.Floor(255 * (db - minDB) / span)
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return v
}
