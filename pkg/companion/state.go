package companion

import (
	"strings"

	"github.com/cexll/companion/pkg/errdefs"
	"github.com/cexll/companion/pkg/model"
)

// Workflow is the response modality chosen for a turn.
type Workflow string

const (
	// WorkflowUnset is only valid on turns that skipped routing (empty history).
	WorkflowUnset        Workflow = ""
	WorkflowConversation Workflow = "conversation"
	WorkflowImage        Workflow = "image"
	WorkflowAudio        Workflow = "audio"
)

// Valid reports whether w is one of the routed workflows.
func (w Workflow) Valid() bool {
	switch w {
	case WorkflowConversation, WorkflowImage, WorkflowAudio:
		return true
	default:
		return false
	}
}

// ParseWorkflow normalizes a classifier label. Anything outside the three
// workflows is a routing error.
func ParseWorkflow(label string) (Workflow, error) {
	w := Workflow(strings.ToLower(strings.TrimSpace(label)))
	if !w.Valid() {
		return WorkflowUnset, errdefs.New(errdefs.ErrRouting, "companion.route", "unrecognized response type %q", label)
	}
	return w, nil
}

// State is the conversation state threaded through a turn and carried
// between turns.
type State struct {
	Messages        []model.Message `json:"messages"`
	Summary         string          `json:"summary,omitempty"`
	Workflow        Workflow        `json:"workflow,omitempty"`
	CurrentActivity string          `json:"current_activity,omitempty"`
	ApplyActivity   bool            `json:"apply_activity,omitempty"`
	MemoryContext   string          `json:"memory_context,omitempty"`
	ImagePath       string          `json:"image_path,omitempty"`
	AudioBuffer     []byte          `json:"-"`
}

// Clone returns a copy whose message slice can be appended to without
// affecting s.
func (s *State) Clone() *State {
	if s == nil {
		return &State{}
	}
	out := *s
	out.Messages = append([]model.Message(nil), s.Messages...)
	if s.AudioBuffer != nil {
		out.AudioBuffer = append([]byte(nil), s.AudioBuffer...)
	}
	return &out
}

// LastMessage returns the newest message, if any.
func (s *State) LastMessage() (model.Message, bool) {
	if s == nil || len(s.Messages) == 0 {
		return model.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Reply returns the text of the last assistant message.
func (s *State) Reply() string {
	if s == nil {
		return ""
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == model.RoleAssistant {
			return s.Messages[i].Text()
		}
	}
	return ""
}

// beginTurn prepares a working copy for a new turn. Persisted fields carry
// over; per-turn artifacts are cleared.
func (s *State) beginTurn() *State {
	st := s.Clone()
	st.Workflow = WorkflowUnset
	st.MemoryContext = ""
	st.ImagePath = ""
	st.AudioBuffer = nil
	return st
}

func tail(messages []model.Message, n int) []model.Message {
	if n <= 0 || len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}
