package memory

import (
	"context"
	"fmt"

	"github.com/cexll/companion/pkg/model"
)

const analysisTemperature = 0.1

var analysisSchema = model.MustSchema[Analysis]("memory_analysis", "Decide whether a message holds a durable personal fact")

const analysisPrompt = `Extract durable personal facts about the user from their message.

A fact is important when it would still be useful in a later conversation:
name, age, location, job, studies, family, relationships, preferences,
goals, recurring plans, health or life events the user shares.
Small talk, greetings, questions and requests are not important.

When important, rewrite the fact as a short third-person statement without
the user's name, e.g. "My name is Ada and I love hiking" becomes
"Name is Ada, loves hiking". Otherwise leave formatted_memory empty.`

// ModelAnalyzer classifies messages with a chat model using structured output.
type ModelAnalyzer struct {
	model model.Model
}

// NewModelAnalyzer returns an Analyzer backed by m.
func NewModelAnalyzer(m model.Model) *ModelAnalyzer {
	return &ModelAnalyzer{model: m}
}

// Analyze implements Analyzer.
func (a *ModelAnalyzer) Analyze(ctx context.Context, text string) (Analysis, error) {
	resp, err := a.model.Complete(ctx, model.Request{
		System:      analysisPrompt,
		Messages:    []model.Message{model.UserMessage(fmt.Sprintf("Message: %s", text))},
		Temperature: model.Temperature(analysisTemperature),
		Schema:      analysisSchema,
	})
	if err != nil {
		return Analysis{}, err
	}
	var out Analysis
	if err := model.Decode(resp, &out); err != nil {
		return Analysis{}, err
	}
	return out, nil
}
