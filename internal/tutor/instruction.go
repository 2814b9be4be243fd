// Package tutor builds the system instruction that turns the remote voice
// model into a patient subject tutor for one lesson.
package tutor

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultPersona opens the instruction when no persona is configured.
const DefaultPersona = "an expert, friendly, and patient AI Tutor"

// Plan identifies what is being taught.
type Plan struct {
	Subject string
	Level   string
	Lesson  string
}

// Validate reports missing plan fields.
func (p Plan) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Subject) == "" {
		errs = append(errs, errors.New("tutor: subject is required"))
	}
	if strings.TrimSpace(p.Lesson) == "" {
		errs = append(errs, errors.New("tutor: lesson is required"))
	}
	return errors.Join(errs...)
}

// Progress is one completed lesson in the student's history.
type Progress struct {
	Subject string
	Lesson  string
	// Score is the quiz percentage, nil when no quiz was taken.
	Score *int
}

// PerformanceSummary renders the history entries for subject as a bullet
// list. An empty history yields a short placeholder line.
func PerformanceSummary(subject string, history []Progress) string {
	var lines []string
	for _, p := range history {
		if subject != "" && p.Subject != "" && !strings.EqualFold(p.Subject, subject) {
			continue
		}
		result := "No quiz taken."
		if p.Score != nil {
			result = fmt.Sprintf("Quiz Score %d%%", *p.Score)
		}
		lines = append(lines, fmt.Sprintf("- Lesson %q: %s", p.Lesson, result))
	}
	if len(lines) == 0 {
		return "This is the student's first lesson in this subject."
	}
	return "Here are the student's recent results:\n" + strings.Join(lines, "\n")
}

// Instruction returns the full system instruction for a session.
//
// The text fixes the teaching method: bilingual English/Arabic conversation,
// small steps, a choice prompt after every concept, gentle correction, and
// key-takeaway summaries, followed by the student's history in the subject.
func Instruction(persona string, plan Plan, history []Progress) (string, error) {
	if err := plan.Validate(); err != nil {
		return "", err
	}
	persona = strings.TrimSpace(persona)
	if persona == "" {
		persona = DefaultPersona
	}

	var sb strings.Builder

	// ── Opening ───────────────────────────────────────────────────────────────
	fmt.Fprintf(&sb, "You are %s, specializing in %s.", persona, plan.Subject)
	if lvl := strings.TrimSpace(plan.Level); lvl != "" {
		fmt.Fprintf(&sb, " The student's level is %s.", lvl)
	}
	fmt.Fprintf(&sb, " The current lesson is %q.", plan.Lesson)
	sb.WriteString(" The student has already seen the learning objectives for this lesson, so you can begin teaching the first concept.")

	// ── Method ────────────────────────────────────────────────────────────────
	sb.WriteString("\n\nYour core teaching method:\n")
	for _, rule := range method {
		sb.WriteString("- ")
		sb.WriteString(rule)
		sb.WriteByte('\n')
	}

	// ── History ───────────────────────────────────────────────────────────────
	sb.WriteString("\nStudent's history in this subject:\n")
	sb.WriteString(PerformanceSummary(plan.Subject, history))
	sb.WriteString("\n\nRefer to this history to give motivating feedback. For example, if their quiz scores are improving, mention it!")

	return sb.String(), nil
}

var method = []string{
	"Speak naturally and conversationally. You are bilingual: switch seamlessly between English and Arabic to match the student's language.",
	"Break complex concepts into small, understandable steps.",
	"After explaining a step or concept, you MUST ask the student what they want to do next. Offer choices such as (a) a real-world example, (b) a quick quiz question, or (c) a deeper explanation.",
	"Always be encouraging. If the student makes a mistake, correct them politely and guide them to the right answer.",
	"When a major topic within the lesson is complete, give a brief summary of the key takeaways before moving on.",
}
