package companion

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/companion/pkg/errdefs"
	"github.com/cexll/companion/pkg/model"
)

const routerTemperature = 0.3

type routerDecision struct {
	ResponseType string `json:"response_type" jsonschema:"enum=conversation,enum=image,enum=audio,description=The kind of reply to send: conversation for text or image or audio"`
}

var routerSchema = model.MustSchema[routerDecision]("router_decision", "Response modality for the next reply")

// Router classifies the recent conversation into a Workflow.
type Router struct {
	model  model.Model
	window int
	name   string
}

// NewRouter returns a router that looks at the last window messages.
func NewRouter(m model.Model, window int, characterName string) *Router {
	if window <= 0 {
		window = 3
	}
	return &Router{model: m, window: window, name: characterName}
}

// Classify returns the workflow for the next reply. A response without a
// recognized response_type is an errdefs.ErrRouting error.
func (r *Router) Classify(ctx context.Context, messages []model.Message) (Workflow, error) {
	const op = "companion.route"
	if len(messages) == 0 {
		return WorkflowUnset, errdefs.New(errdefs.ErrValidation, op, "no messages to classify")
	}
	resp, err := r.model.Complete(ctx, model.Request{
		System:      fmt.Sprintf(routerPrompt, r.name),
		Messages:    tail(messages, r.window),
		Temperature: model.Temperature(routerTemperature),
		Schema:      routerSchema,
	})
	if err != nil {
		return WorkflowUnset, fmt.Errorf("%s: %w", op, err)
	}
	var decision routerDecision
	if err := model.Decode(resp, &decision); err != nil {
		return WorkflowUnset, errdefs.Wrap(errdefs.ErrRouting, op, err)
	}
	if strings.TrimSpace(decision.ResponseType) == "" {
		return WorkflowUnset, errdefs.New(errdefs.ErrRouting, op, "classifier returned no response_type")
	}
	return ParseWorkflow(decision.ResponseType)
}
