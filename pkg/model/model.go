package model

import (
	"context"
	"errors"
	"strings"
)

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content part kinds.
const (
	PartText  = "text"
	PartImage = "image_url"
)

// Message is one entry of a conversation. Content carries plain text; Parts
// carries multimodal payloads and takes precedence when present.
type Message struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// ContentPart is a single text or image fragment of a multimodal message.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Text flattens the message to a plain string. Image parts are omitted.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	chunks := make([]string, 0, len(m.Parts)+1)
	if strings.TrimSpace(m.Content) != "" {
		chunks = append(chunks, m.Content)
	}
	for _, part := range m.Parts {
		if part.Type == PartText && strings.TrimSpace(part.Text) != "" {
			chunks = append(chunks, part.Text)
		}
	}
	return strings.Join(chunks, " ")
}

// UserMessage is shorthand for a plain-text user message.
func UserMessage(text string) Message { return Message{Role: RoleUser, Content: text} }

// AssistantMessage is shorthand for a plain-text assistant message.
func AssistantMessage(text string) Message { return Message{Role: RoleAssistant, Content: text} }

// Request describes one completion call.
type Request struct {
	System   string
	Messages []Message
	// Model overrides the backend's configured model name when set.
	Model       string
	MaxTokens   int
	Temperature *float64
	// Schema asks the backend for a JSON object matching the schema. The JSON
	// text is returned in Response.Message.Content.
	Schema *Schema
}

// Response is the normalized completion result.
type Response struct {
	Message    Message
	Usage      Usage
	StopReason string
}

// Usage records token accounting for a call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Model is implemented by every chat-completion backend.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Temperature returns a pointer for Request.Temperature.
func Temperature(v float64) *float64 { return &v }

// ErrEmptyResponse is returned when a backend produces no usable content.
var ErrEmptyResponse = errors.New("model: empty response")
