package companion

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/cexll/companion/pkg/errdefs"
	"github.com/cexll/companion/pkg/memory"
	"github.com/cexll/companion/pkg/model"
	"github.com/cexll/companion/pkg/workflow"
)

// Node names of the turn graph.
const (
	NodeExtractMemory  = "extract_memory"
	NodeRoute          = "route"
	NodeInjectContext  = "inject_context"
	NodeInjectMemory   = "inject_memory"
	NodeDispatch       = "dispatch"
	NodeConversation   = "conversation_node"
	NodeImage          = "image_node"
	NodeAudio          = "audio_node"
	NodeMaybeSummarize = "maybe_summarize"
	NodeSummarize      = "summarize"
)

const (
	stateKey            = "state"
	memoryContextWindow = 5
)

func (e *Engine) buildGraph() (*workflow.Graph, error) {
	g := workflow.NewGraph()
	nodes := []workflow.Node{
		workflow.NewAction(NodeExtractMemory, e.extractMemory),
		workflow.NewAction(NodeRoute, e.route),
		workflow.NewAction(NodeInjectContext, e.injectContext),
		workflow.NewAction(NodeInjectMemory, e.injectMemory),
		workflow.NewDecision(NodeDispatch, e.dispatch),
		workflow.NewAction(NodeConversation, e.conversationNode),
		workflow.NewAction(NodeImage, e.imageNode),
		workflow.NewAction(NodeAudio, e.audioNode),
		workflow.NewDecision(NodeMaybeSummarize, e.maybeSummarize),
		workflow.NewAction(NodeSummarize, e.summarize),
	}
	for _, n := range nodes {
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
	}
	if err := g.SetStart(NodeExtractMemory); err != nil {
		return nil, err
	}
	edges := [][2]string{
		{NodeExtractMemory, NodeRoute},
		{NodeRoute, NodeInjectContext},
		{NodeInjectContext, NodeInjectMemory},
		{NodeInjectMemory, NodeDispatch},
		{NodeConversation, NodeMaybeSummarize},
		{NodeImage, NodeMaybeSummarize},
		{NodeAudio, NodeMaybeSummarize},
		{NodeSummarize, workflow.End},
	}
	for _, edge := range edges {
		if err := g.AddTransition(edge[0], edge[1], workflow.Always()); err != nil {
			return nil, fmt.Errorf("transition %s->%s: %w", edge[0], edge[1], err)
		}
	}
	g.Close()
	return g, nil
}

func stateFrom(ec *workflow.ExecutionContext) (*State, error) {
	raw, ok := ec.Get(stateKey)
	if !ok {
		return nil, fmt.Errorf("execution context missing %q", stateKey)
	}
	st, ok := raw.(*State)
	if !ok || st == nil {
		return nil, fmt.Errorf("unexpected state payload %T", raw)
	}
	return st, nil
}

func (e *Engine) extractMemory(ec *workflow.ExecutionContext) error {
	st, err := stateFrom(ec)
	if err != nil {
		return err
	}
	last, ok := st.LastMessage()
	if !ok || last.Role != model.RoleUser {
		return nil
	}
	return e.deps.Memory.ExtractAndStore(ec.Context(), last)
}

func (e *Engine) route(ec *workflow.ExecutionContext) error {
	st, err := stateFrom(ec)
	if err != nil {
		return err
	}
	if len(st.Messages) == 0 {
		return nil
	}
	wf, err := e.router.Classify(ec.Context(), st.Messages)
	if err != nil {
		return err
	}
	st.Workflow = wf
	return nil
}

func (e *Engine) injectContext(ec *workflow.ExecutionContext) error {
	st, err := stateFrom(ec)
	if err != nil {
		return err
	}
	activity, _ := e.deps.Schedule.Activity(e.now().In(e.cfg.Location))
	st.ApplyActivity = activity != st.CurrentActivity
	st.CurrentActivity = activity
	return nil
}

func (e *Engine) injectMemory(ec *workflow.ExecutionContext) error {
	st, err := stateFrom(ec)
	if err != nil {
		return err
	}
	st.MemoryContext = ""
	if len(st.Messages) == 0 {
		return nil
	}
	recent := tail(st.Messages, memoryContextWindow)
	texts := make([]string, 0, len(recent))
	for _, msg := range recent {
		texts = append(texts, msg.Text())
	}
	memories, err := e.deps.Memory.RelevantMemories(ec.Context(), strings.Join(texts, " "), e.cfg.MemoryTopK)
	if err != nil {
		return err
	}
	st.MemoryContext = memory.FormatForPrompt(memories)
	return nil
}

func (e *Engine) dispatch(ec *workflow.ExecutionContext) (string, error) {
	st, err := stateFrom(ec)
	if err != nil {
		return "", err
	}
	switch st.Workflow {
	case WorkflowUnset, WorkflowConversation:
		return NodeConversation, nil
	case WorkflowImage:
		return NodeImage, nil
	case WorkflowAudio:
		return NodeAudio, nil
	default:
		return "", errdefs.New(errdefs.ErrRouting, "companion.dispatch", "unrecognized workflow %q", st.Workflow)
	}
}

func (e *Engine) conversationNode(ec *workflow.ExecutionContext) error {
	st, err := stateFrom(ec)
	if err != nil {
		return err
	}
	reply, err := e.responder.Respond(ec.Context(), e.now(), st, st.Messages)
	if err != nil {
		return err
	}
	st.Messages = append(st.Messages, model.AssistantMessage(reply))
	return nil
}

func (e *Engine) imageNode(ec *workflow.ExecutionContext) error {
	const op = "companion.image"
	st, err := stateFrom(ec)
	if err != nil {
		return err
	}
	if e.deps.Images == nil {
		return errdefs.New(errdefs.ErrConfiguration, op, "image generation is not configured")
	}
	ctx := ec.Context()
	scenario, err := e.deps.Images.CreateScenario(ctx, tail(st.Messages, memoryContextWindow))
	if err != nil {
		return err
	}
	prompt := scenario.ImagePrompt
	if e.cfg.EnhanceImagePrompts {
		if prompt, err = e.deps.Images.EnhancePrompt(ctx, prompt); err != nil {
			return err
		}
	}
	path := filepath.Join(e.cfg.ImageDir, "image_"+uuid.NewString()+".png")
	if _, err := e.deps.Images.Render(ctx, prompt, path); err != nil {
		return err
	}

	note := model.UserMessage(fmt.Sprintf("<image attached by %s generated from prompt: %s>", e.cfg.CharacterName, prompt))
	withNote := append(append([]model.Message(nil), st.Messages...), note)
	reply, err := e.responder.Respond(ctx, e.now(), st, withNote)
	if err != nil {
		return err
	}
	st.Messages = append(withNote, model.AssistantMessage(reply))
	st.ImagePath = path
	return nil
}

func (e *Engine) audioNode(ec *workflow.ExecutionContext) error {
	st, err := stateFrom(ec)
	if err != nil {
		return err
	}
	if e.deps.Speech == nil {
		return errdefs.New(errdefs.ErrConfiguration, "companion.audio", "speech synthesis is not configured")
	}
	ctx := ec.Context()
	reply, err := e.responder.Respond(ctx, e.now(), st, st.Messages)
	if err != nil {
		return err
	}
	audio, err := e.deps.Speech.Synthesize(ctx, reply)
	if err != nil {
		return err
	}
	st.Messages = append(st.Messages, model.AssistantMessage(reply))
	st.AudioBuffer = audio
	return nil
}

func (e *Engine) maybeSummarize(ec *workflow.ExecutionContext) (string, error) {
	st, err := stateFrom(ec)
	if err != nil {
		return "", err
	}
	if len(st.Messages) > e.cfg.SummaryTrigger {
		return NodeSummarize, nil
	}
	return workflow.End, nil
}

func (e *Engine) summarize(ec *workflow.ExecutionContext) error {
	st, err := stateFrom(ec)
	if err != nil {
		return err
	}
	summary, err := e.summarizer.Summarize(ec.Context(), st.Summary, st.Messages)
	if err != nil {
		return err
	}
	st.Summary = summary
	st.Messages = append([]model.Message(nil), tail(st.Messages, e.cfg.MessagesAfterSummary)...)
	return nil
}
