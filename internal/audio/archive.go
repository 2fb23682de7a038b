package audio

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
)

// Archiver persists finalized visit audio. It prefers mp3 via ffmpeg or lame
// and falls back to a plain WAV file when neither encoder is installed.
type Archiver struct {
	audioDir string

	mu     sync.Mutex
	encode func(rawPath, outBase string, sampleRate int) (string, error)
}

func NewArchiver(audioDir string) *Archiver {
	if audioDir == "" {
		audioDir = filepath.Join("data", "audio")
	}
	return &Archiver{audioDir: audioDir, encode: defaultEncode}
}

// Save writes pcm to a temporary raw file, encodes it and returns the final path.
func (a *Archiver) Save(visitID string, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.audioDir, 0o755); err != nil {
		return "", fmt.Errorf("create audio directory: %w", err)
	}

	rawPath := filepath.Join(a.audioDir, visitID+".pcm")
	if err := os.WriteFile(rawPath, pcm, 0o644); err != nil {
		return "", fmt.Errorf("write raw pcm file: %w", err)
	}
	defer func() { _ = os.Remove(rawPath) }()

	return a.encode(rawPath, filepath.Join(a.audioDir, visitID), sampleRate)
}

func defaultEncode(rawPath, outBase string, sampleRate int) (string, error) {
	mp3Path := outBase + ".mp3"
	if err := encodeWithFFmpeg(rawPath, mp3Path, sampleRate); err == nil {
		return mp3Path, nil
	}
	if err := encodeWithLame(rawPath, mp3Path, sampleRate); err == nil {
		return mp3Path, nil
	}

	wavPath := outBase + ".wav"
	if err := pcmToWav(rawPath, wavPath, sampleRate); err != nil {
		return "", fmt.Errorf("encode wav fallback: %w", err)
	}
	return wavPath, nil
}

func encodeWithFFmpeg(rawPath, outputPath string, sampleRate int) error {
	return exec.Command(
		"ffmpeg",
		"-y",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-i", rawPath,
		outputPath,
	).Run()
}

func encodeWithLame(rawPath, outputPath string, sampleRate int) error {
	khz := strconv.FormatFloat(float64(sampleRate)/1000.0, 'f', -1, 64)
	return exec.Command(
		"lame",
		"-r",
		"-s", khz,
		"--bitwidth", "16",
		"-m", "m",
		rawPath,
		outputPath,
	).Run()
}

func pcmToWav(rawPath, wavPath string, sampleRate int) error {
	pcm, err := os.ReadFile(rawPath)
	if err != nil {
		return fmt.Errorf("read raw pcm data: %w", err)
	}
	wav, err := EncodeWAV(pcm, sampleRate)
	if err != nil {
		return fmt.Errorf("build wav: %w", err)
	}
	if err := os.WriteFile(wavPath, wav, 0o644); err != nil {
		return fmt.Errorf("write wav output: %w", err)
	}
	return nil
}
