// Package errdefs defines the error kinds surfaced by companion components.
//
// Kinds are sentinels; collaborators wrap the underlying cause with an *Error
// so callers can match either side with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration reports a missing credential or setting at construction time.
	ErrConfiguration = errors.New("configuration error")
	// ErrRouting reports that intent classification produced no usable category.
	ErrRouting = errors.New("routing error")
	// ErrTranscription reports a speech-to-text failure.
	ErrTranscription = errors.New("transcription error")
	// ErrSpeechSynthesis reports a text-to-speech failure.
	ErrSpeechSynthesis = errors.New("speech synthesis error")
	// ErrImageGeneration reports a scenario or image rendering failure.
	ErrImageGeneration = errors.New("image generation error")
	// ErrImageAnalysis reports an image-to-text failure.
	ErrImageAnalysis = errors.New("image analysis error")
	// ErrValidation reports empty or invalid caller input.
	ErrValidation = errors.New("validation error")
)

// Error carries the failing operation, its kind, and the underlying cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("error")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Wrap annotates err with op and kind. A nil err returns nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) && existing.Kind == kind {
		return err
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// New builds an error of the given kind from a formatted message.
func New(kind error, op, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Kind returns the first known kind found in err's chain, or nil.
func Kind(err error) error {
	for _, kind := range []error{
		ErrConfiguration,
		ErrRouting,
		ErrTranscription,
		ErrSpeechSynthesis,
		ErrImageGeneration,
		ErrImageAnalysis,
		ErrValidation,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName is a short label for metrics and logs.
func KindName(err error) string {
	switch Kind(err) {
	case ErrConfiguration:
		return "configuration"
	case ErrRouting:
		return "routing"
	case ErrTranscription:
		return "transcription"
	case ErrSpeechSynthesis:
		return "speech_synthesis"
	case ErrImageGeneration:
		return "image_generation"
	case ErrImageAnalysis:
		return "image_analysis"
	case ErrValidation:
		return "validation"
	}
	if err == nil {
		return ""
	}
	return "internal"
}
