package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DB_PATH", "AUDIO_DIR", "NOTES_DIR", "LISTEN_ADDR", "BACKEND_URL",
		"MIC_SAMPLE_RATE", "MIC_SAMPLE_RATES", "SILENCE_THRESHOLD",
		"QUIET_DURATION", "MAX_DURATION",
		"TRANSCRIPTION_BACKEND", "TRANSCRIPTION_MODEL", "SUMMARY_BACKEND", "SUMMARY_MODEL",
		"GDRIVE_FOLDER_ID", "GOOGLE_CREDENTIALS_FILE", "LOG_PATH", "LOG_LEVEL",
		"DEEPGRAM_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "CONFIG",
	} {
		t.Setenv(EnvPrefix+key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "data/visit-scribe.db" {
		t.Fatalf("expected default db_path, got %q", cfg.DBPath)
	}
	if cfg.ListenAddr != "127.0.0.1:8080" {
		t.Fatalf("expected default listen_addr, got %q", cfg.ListenAddr)
	}
	if cfg.BackendURL != "https://beam-health-backend.onrender.com" {
		t.Fatalf("expected default backend_url, got %q", cfg.BackendURL)
	}
	if cfg.Capture.SilenceThreshold != 15 || cfg.Capture.FFTSize != 256 || cfg.Capture.Smoothing != 0.3 {
		t.Fatalf("unexpected capture defaults: %+v", cfg.Capture)
	}
	if cfg.Transcription.Backend != "backend" || cfg.Summarization.Backend != "llm" {
		t.Fatalf("unexpected backend defaults: %q / %q", cfg.Transcription.Backend, cfg.Summarization.Backend)
	}

	timings := cfg.Timings()
	want := CaptureTimings{
		QuietDuration: 5 * time.Second,
		ChunkInterval: time.Second,
		TickInterval:  16 * time.Millisecond,
		FlushDelay:    100 * time.Millisecond,
		SettleDelay:   150 * time.Millisecond,
		MaxDuration:   0,
	}
	if timings != want {
		t.Fatalf("unexpected default timings: got=%+v want=%+v", timings, want)
	}
}

func TestYAMLLoading(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
db_path: /custom/db.sqlite
audio_dir: /custom/audio
notes_dir: /custom/notes
listen_addr: 0.0.0.0:9090
mic_sample_rate: 48000
mic_sample_rates: [44100, 32000]
gdrive_folder_id: my-folder
capture:
  silence_threshold: 20
  quiet_duration: 8s
  max_duration: 30m
transcription:
  backend: whisper
  language: es
summarization:
  backend: llm
  model: anthropic/claude-sonnet-4-5
  presets:
    soap:
      description: Standard SOAP note
      system_prompt: You are a clinical scribe.
      user_template: "{{transcript}}"
log:
  level: debug
`)

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "/custom/db.sqlite" || cfg.AudioDir != "/custom/audio" || cfg.NotesDir != "/custom/notes" {
		t.Fatalf("unexpected paths: %+v", cfg)
	}
	if cfg.ListenAddr != "0.0.0.0:9090" {
		t.Fatalf("expected yaml listen_addr, got %q", cfg.ListenAddr)
	}
	if !reflect.DeepEqual(cfg.MicSampleRates, []int{44100, 32000}) {
		t.Fatalf("expected yaml mic_sample_rates, got %v", cfg.MicSampleRates)
	}
	if cfg.Capture.SilenceThreshold != 20 {
		t.Fatalf("expected yaml silence_threshold, got %d", cfg.Capture.SilenceThreshold)
	}
	if cfg.Capture.ChunkInterval != "1s" {
		t.Fatalf("expected unset nested keys to keep defaults, got %q", cfg.Capture.ChunkInterval)
	}
	if got := cfg.Timings(); got.QuietDuration != 8*time.Second || got.MaxDuration != 30*time.Minute {
		t.Fatalf("unexpected parsed timings: %+v", got)
	}
	if cfg.Transcription.Backend != "whisper" || cfg.Transcription.Language != "es" {
		t.Fatalf("unexpected transcription config: %+v", cfg.Transcription)
	}
	preset, ok := cfg.Summarization.Presets["soap"]
	if !ok || preset.SystemPrompt != "You are a clinical scribe." {
		t.Fatalf("expected soap preset, got %+v", cfg.Summarization.Presets)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected yaml log level, got %q", cfg.Log.Level)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
db_path: /from/yaml
summarization:
  model: openai/gpt-yaml
`)

	clearEnv(t)
	t.Setenv(EnvPrefix+"DB_PATH", "/from/env")
	t.Setenv(EnvPrefix+"SUMMARY_MODEL", "gemini/gemini-2.0-flash")
	t.Setenv(EnvPrefix+"SILENCE_THRESHOLD", "30")
	t.Setenv(EnvPrefix+"QUIET_DURATION", "3s")

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "/from/env" {
		t.Fatalf("expected env override for db_path, got %q", cfg.DBPath)
	}
	if cfg.Summarization.Model != "gemini/gemini-2.0-flash" {
		t.Fatalf("expected env override for summary model, got %q", cfg.Summarization.Model)
	}
	if cfg.Capture.SilenceThreshold != 30 {
		t.Fatalf("expected env override for silence threshold, got %d", cfg.Capture.SilenceThreshold)
	}
	if cfg.Timings().QuietDuration != 3*time.Second {
		t.Fatalf("expected env override for quiet duration, got %v", cfg.Timings().QuietDuration)
	}
}

func TestSecretsFromEnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"DEEPGRAM_API_KEY", "dg-secret")
	t.Setenv(EnvPrefix+"OPENAI_API_KEY", "oai-secret")
	t.Setenv(EnvPrefix+"ANTHROPIC_API_KEY", "ant-secret")
	t.Setenv(EnvPrefix+"GEMINI_API_KEY", "gem-secret")

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "dg-secret" || cfg.OpenAIAPIKey != "oai-secret" {
		t.Fatalf("unexpected secrets: %q %q", cfg.DeepgramAPIKey, cfg.OpenAIAPIKey)
	}
	for provider, want := range map[string]string{"openai": "oai-secret", "anthropic": "ant-secret", "gemini": "gem-secret", "other": ""} {
		if got := cfg.APIKeyFor(provider); got != want {
			t.Fatalf("APIKeyFor(%q) = %q, want %q", provider, got, want)
		}
	}
}

func TestSecretsIgnoredInYAML(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
deepgram_api_key: should-be-ignored
openai_api_key: also-ignored
`)

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "" || cfg.OpenAIAPIKey != "" {
		t.Fatalf("expected yaml secrets to be ignored, got %q %q", cfg.DeepgramAPIKey, cfg.OpenAIAPIKey)
	}
}

func TestValidationWarnings(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"TRANSCRIPTION_BACKEND", "deepgram")

	_, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var deepgramWarning, openaiWarning bool
	for _, w := range warnings {
		if strings.Contains(w, "Deepgram") {
			deepgramWarning = true
		}
		if strings.Contains(w, EnvPrefix+"OPENAI_API_KEY") {
			openaiWarning = true
		}
	}

	if !deepgramWarning {
		t.Fatalf("expected Deepgram warning when key is missing, got warnings: %v", warnings)
	}
	if !openaiWarning {
		t.Fatalf("expected OpenAI warning for summary model, got warnings: %v", warnings)
	}
}

func TestValidationNoWarningsWhenConfigured(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"OPENAI_API_KEY", "key")

	_, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(warnings) != 0 {
		t.Fatalf("expected no warnings when fully configured, got: %v", warnings)
	}
}

func TestInvalidDurationWarning(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"OPENAI_API_KEY", "key")
	t.Setenv(EnvPrefix+"QUIET_DURATION", "not-a-duration")

	cfg, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(warnings) != 1 || !strings.Contains(warnings[0], "quiet_duration") {
		t.Fatalf("expected quiet_duration warning, got: %v", warnings)
	}
	if cfg.Timings().QuietDuration != 5*time.Second {
		t.Fatalf("expected fallback to 5s, got %v", cfg.Timings().QuietDuration)
	}
}

func TestOutOfRangeValuesReturnError(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "threshold", yaml: "capture:\n  silence_threshold: 300\n", want: "capture.silence_threshold"},
		{name: "fft size", yaml: "capture:\n  fft_size: 100\n", want: "capture.fft_size must be one of"},
		{name: "backend", yaml: "transcription:\n  backend: carrier-pigeon\n", want: "transcription.backend"},
		{name: "listen addr", yaml: "listen_addr: nope\n", want: "listen_addr must be host:port"},
		{name: "preset", yaml: "summarization:\n  presets:\n    empty:\n      description: x\n", want: "system_prompt is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, _, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error to mention %q, got %v", tt.want, err)
			}
		})
	}
}

func TestMissingConfigFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, _, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load should not fail for missing config file, got: %v", err)
	}

	if cfg.DBPath != "data/visit-scribe.db" {
		t.Fatalf("expected defaults when config file missing, got db_path=%q", cfg.DBPath)
	}
}

func TestInvalidConfigFileReturnsError(t *testing.T) {
	path := writeConfig(t, ":::invalid yaml")
	clearEnv(t)

	_, _, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid yaml, got nil")
	}
}

func TestSampleRateCandidatesDefault(t *testing.T) {
	cfg := defaults()
	got := cfg.SampleRateCandidates()
	want := []int{16000, 48000, 44100, 32000, 24000}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected default sample rates: got=%v want=%v", got, want)
	}
}

func TestSampleRateCandidatesCustom(t *testing.T) {
	cfg := defaults()
	cfg.MicSampleRate = 48000
	cfg.MicSampleRates = []int{44100, 16000, 48000, 32000}

	got := cfg.SampleRateCandidates()
	want := []int{48000, 44100, 16000, 32000, 24000}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected custom sample rates: got=%v want=%v", got, want)
	}
}

func TestSampleRateCandidatesEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"MIC_SAMPLE_RATE", "48000")
	t.Setenv(EnvPrefix+"MIC_SAMPLE_RATES", "44100,16000,48000,abc,32000")

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got := cfg.SampleRateCandidates()
	want := []int{48000, 44100, 16000, 32000, 24000}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected env sample rates: got=%v want=%v", got, want)
	}
}

func TestParseSampleRates(t *testing.T) {
	got := parseSampleRates(" 16000,  ,invalid,0,-1,44100,16000 ")
	want := []int{16000, 44100}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected parsed sample rates: got=%v want=%v", got, want)
	}
}
