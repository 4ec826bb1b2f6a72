package companion

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/companion/pkg/errdefs"
	"github.com/cexll/companion/pkg/model"
)

// Transcriber converts a voice note to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// ImageDescriber describes an inbound picture.
type ImageDescriber interface {
	Describe(ctx context.Context, img []byte, prompt string) (string, error)
}

// Inbound is a raw message from the user before it joins the conversation.
type Inbound struct {
	Text      string
	Audio     []byte
	AudioName string
	Image     []byte
}

// Preprocessor turns inbound voice notes and images into text messages.
type Preprocessor struct {
	transcriber Transcriber
	describer   ImageDescriber
}

// NewPreprocessor returns a Preprocessor. Either collaborator may be nil when
// the matching input kind is unsupported.
func NewPreprocessor(t Transcriber, d ImageDescriber) *Preprocessor {
	return &Preprocessor{transcriber: t, describer: d}
}

// Message converts in into a user message. Voice notes replace the text with
// their transcription; images append an analysis line after the caption.
func (p *Preprocessor) Message(ctx context.Context, in Inbound) (model.Message, error) {
	const op = "companion.inbound"
	content := strings.TrimSpace(in.Text)
	if len(in.Audio) > 0 {
		if p.transcriber == nil {
			return model.Message{}, errdefs.New(errdefs.ErrConfiguration, op, "speech-to-text is not configured")
		}
		text, err := p.transcriber.Transcribe(ctx, in.Audio, in.AudioName)
		if err != nil {
			return model.Message{}, err
		}
		content = text
	}
	if len(in.Image) > 0 {
		if p.describer == nil {
			return model.Message{}, errdefs.New(errdefs.ErrConfiguration, op, "image analysis is not configured")
		}
		description, err := p.describer.Describe(ctx, in.Image, "Please describe what you see in this image in the context of our conversation.")
		if err != nil {
			return model.Message{}, err
		}
		content = strings.TrimSpace(fmt.Sprintf("%s\n[Image Analysis: %s]", content, description))
	}
	if content == "" {
		return model.Message{}, errdefs.New(errdefs.ErrValidation, op, "message is empty")
	}
	return model.UserMessage(content), nil
}
