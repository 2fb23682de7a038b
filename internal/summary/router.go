package summary

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sjawhar/visit-scribe/internal/config"
	"github.com/sjawhar/visit-scribe/internal/llm"
)

// Router asks the summarization model which note template fits a visit,
// for example a follow-up check versus a new-problem consult.
type Router struct {
	cfg     config.Summarization
	factory ClientFactory
	logger  *slog.Logger
}

func NewRouter(cfg config.Summarization, factory ClientFactory, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{cfg: cfg, factory: factory, logger: logger}
}

// SampleTranscript keeps the opening, middle and closing words of a long
// transcript so template selection stays cheap.
func SampleTranscript(transcript string, firstN, midN, lastN int) string {
	words := strings.Fields(transcript)
	total := len(words)

	if total <= firstN+midN+lastN {
		return transcript
	}

	first := strings.Join(words[:firstN], " ")
	midStart := (total - midN) / 2
	mid := strings.Join(words[midStart:midStart+midN], " ")
	last := strings.Join(words[total-lastN:], " ")

	return first + "\n\n[...]\n\n" + mid + "\n\n[...]\n\n" + last
}

// SelectPreset never fails: any problem falls back to the default template.
func (r *Router) SelectPreset(ctx context.Context, transcript string) string {
	sampled := SampleTranscript(transcript, 300, 200, 200)

	names := make([]string, 0, len(r.cfg.Presets))
	for name := range r.cfg.Presets {
		names = append(names, name)
	}
	sort.Strings(names)

	var presetList strings.Builder
	for _, name := range names {
		fmt.Fprintf(&presetList, "- %s: %s\n", name, r.cfg.Presets[name].Description)
	}

	prompt := fmt.Sprintf(`Given this excerpt of a clinical visit, choose the single best note template.

Visit excerpt:
%s

Available templates:
%s
Reply with ONLY the template name, nothing else.`, sampled, presetList.String())

	provider, model, err := llm.ParseModel(r.cfg.Model)
	if err != nil {
		r.logger.Warn("router: falling back to default preset", "reason", "parse model failed", "error", err)
		return r.fallbackPreset()
	}

	client, err := r.factory(provider, model)
	if err != nil {
		r.logger.Warn("router: falling back to default preset", "reason", "create client failed", "error", err)
		return r.fallbackPreset()
	}

	result, err := client.Complete(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		r.logger.Warn("router: falling back to default preset", "reason", "llm complete failed", "error", err)
		return r.fallbackPreset()
	}

	chosen := strings.Trim(strings.TrimSpace(result), "`\"'.")
	if _, ok := r.cfg.Presets[chosen]; ok {
		return chosen
	}

	r.logger.Warn("router: falling back to default preset", "reason", "chosen preset not found", "chosen", chosen)
	return r.fallbackPreset()
}

func (r *Router) fallbackPreset() string {
	if _, ok := r.cfg.Presets[defaultPreset]; ok {
		return defaultPreset
	}
	keys := make([]string, 0, len(r.cfg.Presets))
	for k := range r.cfg.Presets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}
