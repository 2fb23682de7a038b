package session

import (
	"sync"
	"time"

	"github.com/sjawhar/visit-scribe/internal/audio"
)

type DetectorState string

const (
	DetectorIdle     DetectorState = "idle"
	DetectorArmed    DetectorState = "armed"
	DetectorFired    DetectorState = "fired"
	DetectorDisarmed DetectorState = "disarmed"
)

type DetectorConfig struct {
	Threshold     uint8
	QuietDuration time.Duration
	TickInterval  time.Duration
}

// SilenceDetector polls a level source on a fixed tick and fires onSilence
// once no sample has exceeded Threshold for QuietDuration. It is single use:
// after firing or Cancel it never ticks again.
type SilenceDetector struct {
	cfg       DetectorConfig
	sample    func() uint8
	onSilence func()
	now       func() time.Time
	newTicker audio.TickerFunc

	mu          sync.Mutex
	state       DetectorState
	lastSoundAt time.Time
	lastLevel   uint8
	stop        chan struct{}
}

func NewSilenceDetector(cfg DetectorConfig, sample func() uint8, onSilence func()) *SilenceDetector {
	if cfg.QuietDuration <= 0 {
		cfg.QuietDuration = 5 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 16 * time.Millisecond
	}
	return &SilenceDetector{
		cfg:       cfg,
		sample:    sample,
		onSilence: onSilence,
		now:       time.Now,
		newTicker: audio.NewTicker,
		state:     DetectorIdle,
		stop:      make(chan struct{}),
	}
}

// Start arms the detector with lastSoundAt set to now and begins ticking.
func (d *SilenceDetector) Start() {
	d.mu.Lock()
	if d.state != DetectorIdle {
		d.mu.Unlock()
		return
	}
	d.state = DetectorArmed
	d.lastSoundAt = d.now()
	ticker := d.newTicker(d.cfg.TickInterval)
	d.mu.Unlock()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-d.stop:
				return
			case now := <-ticker.C():
				if d.OnSample(d.sample(), now) {
					return
				}
			}
		}
	}()
}

// OnSample feeds one level reading taken at now. It returns true when this
// sample fired the detector.
func (d *SilenceDetector) OnSample(level uint8, now time.Time) bool {
	d.mu.Lock()
	if d.state != DetectorArmed {
		d.mu.Unlock()
		return false
	}

	d.lastLevel = level
	if level > d.cfg.Threshold {
		if now.After(d.lastSoundAt) {
			d.lastSoundAt = now
		}
		d.mu.Unlock()
		return false
	}
	if now.Sub(d.lastSoundAt) < d.cfg.QuietDuration {
		d.mu.Unlock()
		return false
	}

	d.state = DetectorFired
	close(d.stop)
	callback := d.onSilence
	d.mu.Unlock()

	if callback != nil {
		callback()
	}
	return true
}

// Cancel disarms the detector. The callback will not fire afterwards.
func (d *SilenceDetector) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case DetectorArmed:
		close(d.stop)
		d.state = DetectorDisarmed
	case DetectorIdle:
		d.state = DetectorDisarmed
	}
}

func (d *SilenceDetector) State() DetectorState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// LastLevel returns the most recent level fed to the detector.
func (d *SilenceDetector) LastLevel() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastLevel
}

// LastSoundAt returns when a sample last exceeded the threshold.
func (d *SilenceDetector) LastSoundAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSoundAt
}
