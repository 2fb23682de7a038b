package summary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sjawhar/visit-scribe/internal/config"
	"github.com/sjawhar/visit-scribe/internal/llm"
	"github.com/sjawhar/visit-scribe/internal/transcribe"
)

const defaultPreset = "default"

const encounterSystemPrompt = `You are a clinical documentation assistant. From the doctor-patient conversation transcript, write an encounter summary as a JSON object with these string fields: "visit_summary", "diagnostic_assessment", "treatment_care_plan", "follow_up_duration" (for example "2 weeks", "1 month", "3 days"), "follow_up_reason", "patient_instructions", and "follow_up_questions" (an array of questions to ask at the next visit). Use only information present in the transcript. Leave a field empty when the conversation does not cover it.`

const encounterUserTemplate = "Visit date: {{date}}\n\nTranscript:\n{{transcript}}"

// ClientFactory builds an llm.Client for a provider and model name.
type ClientFactory func(provider, model string) (llm.Client, error)

// IdempotencyStore records which transcripts were already sent for a visit.
// A claim is released again when generation fails.
type IdempotencyStore interface {
	ClaimSummaryRequest(visitID, promptHash string) (bool, error)
	ReleaseSummaryRequest(visitID, promptHash string) error
}

type visitIDKey struct{}

// WithVisitID attaches the visit a Generate call belongs to. The generator
// uses it as the idempotency key.
func WithVisitID(ctx context.Context, visitID string) context.Context {
	return context.WithValue(ctx, visitIDKey{}, visitID)
}

func visitIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(visitIDKey{}).(string)
	return id
}

// Generator turns transcripts into encounter summaries with a hosted LLM.
// When several presets are configured, a Router picks the note template.
type Generator struct {
	cfg     config.Summarization
	factory ClientFactory
	router  *Router
	store   IdempotencyStore
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewGenerator(cfg config.Summarization, factory ClientFactory, store IdempotencyStore, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Presets) == 0 {
		cfg.Presets = map[string]config.Preset{
			defaultPreset: {
				Description:  "General encounter note",
				SystemPrompt: encounterSystemPrompt,
				UserTemplate: encounterUserTemplate,
			},
		}
	}

	var router *Router
	if len(cfg.Presets) > 1 {
		router = NewRouter(cfg, factory, logger)
	}
	return &Generator{
		cfg:     cfg,
		factory: factory,
		router:  router,
		store:   store,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func (g *Generator) Generate(ctx context.Context, t transcribe.Transcription, patientID, appointmentID string) (EncounterSummary, error) {
	return g.GenerateWithPreset(ctx, t, patientID, appointmentID, "")
}

// GenerateWithPreset is Generate with an explicit note template. An empty
// preset lets the router choose.
func (g *Generator) GenerateWithPreset(ctx context.Context, t transcribe.Transcription, patientID, appointmentID, presetName string) (EncounterSummary, error) {
	transcript := strings.TrimSpace(t.Text)
	if transcript == "" {
		return EncounterSummary{}, ErrEmptyTranscript
	}

	if presetName == "" {
		presetName = g.selectPreset(ctx, transcript)
	}
	preset, ok := g.cfg.Presets[presetName]
	if !ok {
		return EncounterSummary{}, fmt.Errorf("unknown preset %q", presetName)
	}

	if g.store == nil {
		return g.generate(ctx, transcript, patientID, appointmentID, presetName, preset)
	}

	key := visitIDFrom(ctx)
	if key == "" {
		key = patientID + "/" + appointmentID
	}
	hash := promptHash(presetName, transcript)
	claimed, err := g.store.ClaimSummaryRequest(key, hash)
	if err != nil {
		return EncounterSummary{}, fmt.Errorf("claim summary request: %w", err)
	}
	if !claimed {
		return EncounterSummary{}, ErrDuplicateRequest
	}

	encounter, err := g.generate(ctx, transcript, patientID, appointmentID, presetName, preset)
	if err != nil {
		if relErr := g.store.ReleaseSummaryRequest(key, hash); relErr != nil {
			g.logger.Warn("release summary claim failed", "key", key, "err", relErr)
		}
		return EncounterSummary{}, err
	}
	return encounter, nil
}

func (g *Generator) generate(ctx context.Context, transcript, patientID, appointmentID, presetName string, preset config.Preset) (EncounterSummary, error) {
	modelStr := preset.Model
	if modelStr == "" {
		modelStr = g.cfg.Model
	}
	provider, model, err := llm.ParseModel(modelStr)
	if err != nil {
		return EncounterSummary{}, err
	}
	client, err := g.factory(provider, model)
	if err != nil {
		return EncounterSummary{}, fmt.Errorf("create llm client: %w", err)
	}

	now := g.now()
	userContent := strings.ReplaceAll(preset.UserTemplate, "{{transcript}}", transcript)
	userContent = strings.ReplaceAll(userContent, "{{date}}", now.UTC().Format("2006-01-02"))
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: preset.SystemPrompt},
		{Role: llm.RoleUser, Content: userContent},
	}

	raw, err := g.complete(ctx, client, messages)
	if err != nil {
		return EncounterSummary{}, err
	}

	encounter, err := parseEncounter(raw)
	if err != nil {
		return EncounterSummary{}, err
	}
	encounter.PatientID = patientID
	encounter.AppointmentID = appointmentID
	encounter.Preset = presetName
	encounter.normalize(patientID, appointmentID, now)

	g.logger.Info("encounter summary generated", "preset", presetName, "model", modelStr, "patient_id", patientID)
	return encounter, nil
}

func (g *Generator) complete(ctx context.Context, client llm.Client, messages []llm.Message) (string, error) {
	backoff := []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
	var lastErr error
	for attempt := range backoff {
		result, err := client.Complete(ctx, messages)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < len(backoff)-1 {
			g.logger.Warn("summary attempt failed, retrying", "attempt", attempt+1, "err", err)
			if err := g.sleep(ctx, backoff[attempt]); err != nil {
				break
			}
		}
	}
	return "", fmt.Errorf("summarize failed after retries: %w", lastErr)
}

func (g *Generator) selectPreset(ctx context.Context, transcript string) string {
	if g.router != nil {
		return g.router.SelectPreset(ctx, transcript)
	}
	if _, ok := g.cfg.Presets[defaultPreset]; ok {
		return defaultPreset
	}
	names := g.PresetNames()
	return names[0]
}

// PresetNames lists the configured note templates in sorted order.
func (g *Generator) PresetNames() []string {
	names := make([]string, 0, len(g.cfg.Presets))
	for name := range g.cfg.Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func promptHash(preset, transcript string) string {
	sum := sha256.Sum256([]byte(preset + "\x00" + transcript))
	return hex.EncodeToString(sum[:])
}

// parseEncounter decodes a model reply, tolerating code fences and prose
// around the JSON object.
func parseEncounter(raw string) (EncounterSummary, error) {
	text := strings.TrimSpace(raw)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return EncounterSummary{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedSummary)
	}

	var wire struct {
		EncounterSummary
		PatientID     json.RawMessage `json:"patient_id"`
		AppointmentID json.RawMessage `json:"appointment_id"`
		GeneratedAt   json.RawMessage `json:"generated_at"`
		FollowUpDate  json.RawMessage `json:"follow_up_date"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &wire); err != nil {
		return EncounterSummary{}, fmt.Errorf("%w: %v", ErrMalformedSummary, err)
	}
	return wire.EncounterSummary, nil
}
