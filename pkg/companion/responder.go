package companion

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cexll/companion/pkg/model"
)

const (
	responseTemperature = 0.7
	dateTimeLayout      = "Monday, January 02, 2006 at 03:04 PM"
)

var emphasisPattern = regexp.MustCompile(`\*.*?\*`)

// StripEmphasis removes *...* spans and trims the result.
func StripEmphasis(text string) string {
	return strings.TrimSpace(emphasisPattern.ReplaceAllString(text, ""))
}

// Responder writes the character's replies.
type Responder struct {
	model    model.Model
	name     string
	location *time.Location
}

// NewResponder returns a Responder speaking as name in loc.
func NewResponder(m model.Model, name string, loc *time.Location) *Responder {
	if loc == nil {
		loc = time.UTC
	}
	return &Responder{model: m, name: name, location: loc}
}

type characterPrompt struct {
	Name          string
	DateTime      string
	MemoryContext string
	Activity      string
	ApplyActivity bool
	Summary       string
}

// SystemPrompt renders the character prompt for st at now.
func (r *Responder) SystemPrompt(now time.Time, st *State) (string, error) {
	var buf bytes.Buffer
	err := characterTemplate.Execute(&buf, characterPrompt{
		Name:          r.name,
		DateTime:      now.In(r.location).Format(dateTimeLayout),
		MemoryContext: st.MemoryContext,
		Activity:      st.CurrentActivity,
		ApplyActivity: st.ApplyActivity,
		Summary:       st.Summary,
	})
	if err != nil {
		return "", fmt.Errorf("render character prompt: %w", err)
	}
	return buf.String(), nil
}

// Respond generates a reply to messages with emphasis markup removed.
func (r *Responder) Respond(ctx context.Context, now time.Time, st *State, messages []model.Message) (string, error) {
	system, err := r.SystemPrompt(now, st)
	if err != nil {
		return "", err
	}
	resp, err := r.model.Complete(ctx, model.Request{
		System:      system,
		Messages:    messages,
		Temperature: model.Temperature(responseTemperature),
	})
	if err != nil {
		return "", fmt.Errorf("companion.respond: %w", err)
	}
	return StripEmphasis(resp.Message.Text()), nil
}

// Summarizer condenses the conversation history.
type Summarizer struct {
	model model.Model
}

// NewSummarizer returns a Summarizer backed by m.
func NewSummarizer(m model.Model) *Summarizer { return &Summarizer{model: m} }

// Summarize returns a summary of messages, extending previous when set.
func (s *Summarizer) Summarize(ctx context.Context, previous string, messages []model.Message) (string, error) {
	transcript := Transcript(messages)
	prompt := fmt.Sprintf(summaryPrompt, transcript)
	if strings.TrimSpace(previous) != "" {
		prompt = fmt.Sprintf(extendSummaryPrompt, previous, transcript)
	}
	resp, err := s.model.Complete(ctx, model.Request{
		Messages:    []model.Message{model.UserMessage(prompt)},
		Temperature: model.Temperature(responseTemperature),
	})
	if err != nil {
		return "", fmt.Errorf("companion.summarize: %w", err)
	}
	return strings.TrimSpace(resp.Message.Text()), nil
}

// Transcript renders messages as "role: content" lines.
func Transcript(messages []model.Message) string {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		lines = append(lines, msg.Role+": "+msg.Text())
	}
	return strings.Join(lines, "\n")
}
