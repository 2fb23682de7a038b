package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all Visit Scribe environment variables.
const EnvPrefix = "VISIT_SCRIBE_"

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	DBPath                string `yaml:"db_path" validate:"required"`
	AudioDir              string `yaml:"audio_dir"`
	NotesDir              string `yaml:"notes_dir"`
	ListenAddr            string `yaml:"listen_addr" validate:"required,hostname_port"`
	MicSampleRate         int    `yaml:"mic_sample_rate" validate:"gte=0"`
	MicSampleRates        []int  `yaml:"mic_sample_rates" validate:"dive,gt=0"`
	BackendURL            string `yaml:"backend_url" validate:"omitempty,url"`
	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	Capture       Capture       `yaml:"capture"`
	Transcription Transcription `yaml:"transcription"`
	Summarization Summarization `yaml:"summarization"`
	Log           Log           `yaml:"log"`

	// Secrets, env vars only.
	DeepgramAPIKey  string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
}

// Capture tunes silence detection and chunking. Durations are Go duration
// strings so they read naturally in YAML.
type Capture struct {
	SilenceThreshold int     `yaml:"silence_threshold" validate:"gte=0,lte=255"`
	QuietDuration    string  `yaml:"quiet_duration"`
	ChunkInterval    string  `yaml:"chunk_interval"`
	TickInterval     string  `yaml:"tick_interval"`
	FlushDelay       string  `yaml:"flush_delay"`
	SettleDelay      string  `yaml:"settle_delay"`
	MaxDuration      string  `yaml:"max_duration"`
	FFTSize          int     `yaml:"fft_size" validate:"oneof=32 64 128 256 512 1024 2048"`
	Smoothing        float64 `yaml:"smoothing" validate:"gte=0,lt=1"`
}

type Transcription struct {
	Backend  string `yaml:"backend" validate:"oneof=backend whisper deepgram none"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
	Timeout  string `yaml:"timeout"`
}

type Summarization struct {
	Backend string            `yaml:"backend" validate:"oneof=llm backend none"`
	Model   string            `yaml:"model"`
	Presets map[string]Preset `yaml:"presets" validate:"dive"`
}

// Preset is one encounter note template. Model overrides Summarization.Model.
type Preset struct {
	Description  string `yaml:"description"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt" validate:"required"`
	UserTemplate string `yaml:"user_template" validate:"required"`
}

type Log struct {
	Path       string `yaml:"path"`
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

// CaptureTimings are the parsed Capture durations.
type CaptureTimings struct {
	QuietDuration time.Duration
	ChunkInterval time.Duration
	TickInterval  time.Duration
	FlushDelay    time.Duration
	SettleDelay   time.Duration
	MaxDuration   time.Duration
}

func defaults() Config {
	return Config{
		DBPath:                "data/visit-scribe.db",
		AudioDir:              "data/audio",
		NotesDir:              "data/notes",
		ListenAddr:            "127.0.0.1:8080",
		MicSampleRate:         16000,
		MicSampleRates:        []int{48000, 44100, 32000, 24000},
		BackendURL:            "https://beam-health-backend.onrender.com",
		GoogleCredentialsFile: "./service-account.json",
		Capture: Capture{
			SilenceThreshold: 15,
			QuietDuration:    "5s",
			ChunkInterval:    "1s",
			TickInterval:     "16ms",
			FlushDelay:       "100ms",
			SettleDelay:      "150ms",
			MaxDuration:      "0s",
			FFTSize:          256,
			Smoothing:        0.3,
		},
		Transcription: Transcription{
			Backend:  "backend",
			Model:    "whisper-1",
			Language: "en",
			Timeout:  "2m",
		},
		Summarization: Summarization{
			Backend: "llm",
			Model:   "openai/gpt-4o-mini",
		},
		Log: Log{
			Path:       "data/logs/visit-scribe.log",
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed, or if a value is out of range.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	if err := checkStruct(&cfg); err != nil {
		return cfg, nil, err
	}

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// Timings returns the capture durations, falling back to the defaults for
// any value that does not parse.
func (c *Config) Timings() CaptureTimings {
	def := defaults().Capture
	return CaptureTimings{
		QuietDuration: parseDuration(c.Capture.QuietDuration, def.QuietDuration),
		ChunkInterval: parseDuration(c.Capture.ChunkInterval, def.ChunkInterval),
		TickInterval:  parseDuration(c.Capture.TickInterval, def.TickInterval),
		FlushDelay:    parseDuration(c.Capture.FlushDelay, def.FlushDelay),
		SettleDelay:   parseDuration(c.Capture.SettleDelay, def.SettleDelay),
		MaxDuration:   parseDuration(c.Capture.MaxDuration, def.MaxDuration),
	}
}

// TranscriptionTimeout returns Transcription.Timeout, defaulting to 2m.
func (c *Config) TranscriptionTimeout() time.Duration {
	return parseDuration(c.Transcription.Timeout, "2m")
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{16000, 48000, 44100, 32000, 24000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	seen := make(map[int]struct{}, len(combined))
	result := make([]int, 0, len(combined))
	for _, rate := range combined {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

// APIKeyFor returns the secret for an LLM provider name.
func (c *Config) APIKeyFor(provider string) string {
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	default:
		return ""
	}
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	setString("DB_PATH", &cfg.DBPath)
	setString("AUDIO_DIR", &cfg.AudioDir)
	setString("NOTES_DIR", &cfg.NotesDir)
	setString("LISTEN_ADDR", &cfg.ListenAddr)
	setString("BACKEND_URL", &cfg.BackendURL)
	setString("GDRIVE_FOLDER_ID", &cfg.GDriveFolderID)
	setString("GOOGLE_CREDENTIALS_FILE", &cfg.GoogleCredentialsFile)
	setString("QUIET_DURATION", &cfg.Capture.QuietDuration)
	setString("MAX_DURATION", &cfg.Capture.MaxDuration)
	setString("TRANSCRIPTION_BACKEND", &cfg.Transcription.Backend)
	setString("TRANSCRIPTION_MODEL", &cfg.Transcription.Model)
	setString("SUMMARY_BACKEND", &cfg.Summarization.Backend)
	setString("SUMMARY_MODEL", &cfg.Summarization.Model)
	setString("LOG_PATH", &cfg.Log.Path)
	setString("LOG_LEVEL", &cfg.Log.Level)

	if v := os.Getenv(EnvPrefix + "SILENCE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Capture.SilenceThreshold = n
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.MicSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
	}
}

func loadSecrets(cfg *Config) {
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
}

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

func checkStruct(cfg *Config) error {
	err := structValidator.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s %s", strings.TrimPrefix(e.Namespace(), "Config."), formatValidationMessage(e)))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lt":
		return fmt.Sprintf("must be less than %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "hostname_port":
		return "must be host:port"
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}

func validate(cfg *Config) []string {
	var warnings []string

	switch cfg.Transcription.Backend {
	case "whisper":
		if cfg.OpenAIAPIKey == "" {
			warnings = append(warnings, "OpenAI API key not configured: Whisper transcription will fail. Set "+EnvPrefix+"OPENAI_API_KEY.")
		}
	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			warnings = append(warnings, "Deepgram API key not configured: Deepgram transcription will fail. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
		}
	case "none":
		warnings = append(warnings, "Transcription disabled: recordings are archived but not transcribed.")
	}

	if cfg.Summarization.Backend == "llm" {
		models := []string{cfg.Summarization.Model}
		for _, p := range cfg.Summarization.Presets {
			if p.Model != "" {
				models = append(models, p.Model)
			}
		}
		seen := map[string]bool{}
		for _, m := range models {
			provider, _, ok := strings.Cut(m, "/")
			if !ok || provider == "" {
				warnings = append(warnings, fmt.Sprintf("Invalid summarization model %q: expected provider/model_name.", m))
				continue
			}
			if seen[provider] {
				continue
			}
			seen[provider] = true
			if cfg.APIKeyFor(provider) == "" {
				warnings = append(warnings, fmt.Sprintf("%s API key not configured: encounter summaries will fail. Set %s%s_API_KEY.", provider, EnvPrefix, strings.ToUpper(provider)))
			}
		}
	}

	for name, value := range map[string]string{
		"quiet_duration": cfg.Capture.QuietDuration,
		"chunk_interval": cfg.Capture.ChunkInterval,
		"tick_interval":  cfg.Capture.TickInterval,
		"flush_delay":    cfg.Capture.FlushDelay,
		"settle_delay":   cfg.Capture.SettleDelay,
		"max_duration":   cfg.Capture.MaxDuration,
	} {
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			warnings = append(warnings, fmt.Sprintf("Invalid capture.%s %q: using default.", name, value))
		}
	}
	if _, err := time.ParseDuration(cfg.Transcription.Timeout); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid transcription.timeout %q: using default 2m.", cfg.Transcription.Timeout))
	}

	return warnings
}

func parseDuration(value, fallback string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	seen := make(map[int]struct{}, len(parts))
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := strconv.Atoi(trimmed)
		if err != nil || rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}

	return result
}
