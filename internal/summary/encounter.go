package summary

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultFollowUp is used when a follow-up duration cannot be parsed.
const DefaultFollowUp = 14 * 24 * time.Hour

// EncounterSummary is the structured note generated from one visit transcript.
type EncounterSummary struct {
	VisitSummary         string     `json:"visit_summary"`
	DiagnosticAssessment string     `json:"diagnostic_assessment"`
	TreatmentCarePlan    string     `json:"treatment_care_plan"`
	FollowUpDuration     string     `json:"follow_up_duration"`
	FollowUpReason       string     `json:"follow_up_reason"`
	PatientInstructions  string     `json:"patient_instructions"`
	FollowUpQuestions    []string   `json:"follow_up_questions"`
	PatientID            string     `json:"patient_id"`
	AppointmentID        string     `json:"appointment_id,omitempty"`
	GeneratedAt          time.Time  `json:"generated_at"`
	FollowUpDate         *time.Time `json:"follow_up_date,omitempty"`
	Preset               string     `json:"preset,omitempty"`
}

var durationPattern = regexp.MustCompile(`(\d+)\s*(day|days|week|weeks|month|months|year|years)`)

// FollowUpDate adds a duration such as "2 weeks" or "3 months" to now.
// Anything it cannot parse yields now plus two weeks.
func FollowUpDate(duration string, now time.Time) time.Time {
	m := durationPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(duration)))
	if m == nil {
		return now.Add(DefaultFollowUp)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return now.Add(DefaultFollowUp)
	}

	switch strings.TrimSuffix(m[2], "s") {
	case "day":
		return now.AddDate(0, 0, n)
	case "week":
		return now.AddDate(0, 0, 7*n)
	case "month":
		return now.AddDate(0, n, 0)
	default:
		return now.AddDate(n, 0, 0)
	}
}

// normalize fills the fields every consumer relies on: a non-nil question
// list, the visit identifiers, a generation time and the follow-up date.
func (s *EncounterSummary) normalize(patientID, appointmentID string, now time.Time) {
	if s.FollowUpQuestions == nil {
		s.FollowUpQuestions = []string{}
	}
	if s.PatientID == "" {
		s.PatientID = patientID
	}
	if s.AppointmentID == "" {
		s.AppointmentID = appointmentID
	}
	if s.GeneratedAt.IsZero() {
		s.GeneratedAt = now.UTC()
	}
	if s.FollowUpDate == nil && strings.TrimSpace(s.FollowUpDuration) != "" {
		d := FollowUpDate(s.FollowUpDuration, now).UTC()
		s.FollowUpDate = &d
	}
}

// Markdown renders the summary for the daily notes file.
func (s EncounterSummary) Markdown() string {
	var b strings.Builder

	section := func(title, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		fmt.Fprintf(&b, "#### %s\n\n%s\n\n", title, strings.TrimSpace(body))
	}

	section("Visit Summary", s.VisitSummary)
	section("Diagnostic Assessment", s.DiagnosticAssessment)
	section("Treatment & Care Plan", s.TreatmentCarePlan)
	section("Patient Instructions", s.PatientInstructions)

	followUp := "Not specified"
	if s.FollowUpDate != nil {
		followUp = s.FollowUpDate.Format("2006-01-02")
	}
	if s.FollowUpDuration != "" {
		followUp += " (" + s.FollowUpDuration + ")"
	}
	fmt.Fprintf(&b, "**Follow-up:** %s\n", followUp)
	if s.FollowUpReason != "" {
		fmt.Fprintf(&b, "**Reason:** %s\n", s.FollowUpReason)
	}

	if len(s.FollowUpQuestions) > 0 {
		b.WriteString("\n#### Follow-up Questions\n\n")
		for _, q := range s.FollowUpQuestions {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
