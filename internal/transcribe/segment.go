package transcribe

import (
	"fmt"
	"strings"
)

type Word struct {
	Speaker        *int
	PunctuatedWord string
	Start          float64
	End            float64
}

// Segment is a run of consecutive words from one speaker. Times are offsets
// in seconds from the start of the recording.
type Segment struct {
	Speaker   int     `json:"speaker"`
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

func GroupWordsBySpeaker(words []Word) []Segment {
	if len(words) == 0 {
		return nil
	}

	var segments []Segment
	var current Segment
	started := false

	for _, w := range words {
		speaker := -1
		if w.Speaker != nil {
			speaker = *w.Speaker
		}

		if started && speaker == current.Speaker {
			current.Text += " " + w.PunctuatedWord
			current.EndTime = w.End
			continue
		}
		if started {
			segments = append(segments, current)
		}
		current = Segment{
			Speaker:   speaker,
			Text:      w.PunctuatedWord,
			StartTime: w.Start,
			EndTime:   w.End,
		}
		started = true
	}

	return append(segments, current)
}

func (s Segment) FormatMarkdown() string {
	total := int(s.StartTime)
	ts := fmt.Sprintf("%02d:%02d", total/60, total%60)
	if s.Speaker < 0 {
		return fmt.Sprintf("**[%s]** %s", ts, strings.TrimSpace(s.Text))
	}
	return fmt.Sprintf("**[%s] Speaker %d:** %s", ts, s.Speaker, strings.TrimSpace(s.Text))
}

// Markdown renders the transcript one segment per line when segments are
// available, and as plain text otherwise.
func (t Transcription) Markdown() string {
	if len(t.Segments) == 0 {
		return strings.TrimSpace(t.Text)
	}
	lines := make([]string, 0, len(t.Segments))
	for _, s := range t.Segments {
		lines = append(lines, s.FormatMarkdown())
	}
	return strings.Join(lines, "\n")
}
