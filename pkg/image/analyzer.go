package image

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/cexll/companion/pkg/errdefs"
	"github.com/cexll/companion/pkg/model"
)

// Analyzer describes images with a vision-capable chat model.
type Analyzer struct {
	model     model.Model
	modelName string
}

// NewAnalyzer returns an Analyzer. modelName overrides the model's default
// when set (e.g. a vision model on the same endpoint).
func NewAnalyzer(m model.Model, modelName string) (*Analyzer, error) {
	if m == nil {
		return nil, errdefs.New(errdefs.ErrConfiguration, "image.NewAnalyzer", "vision model is required")
	}
	return &Analyzer{model: m, modelName: modelName}, nil
}

// Describe returns a text description of img. An empty prompt uses a generic
// description request.
func (a *Analyzer) Describe(ctx context.Context, img []byte, prompt string) (string, error) {
	const op = "image.describe"
	if len(img) == 0 {
		return "", errdefs.New(errdefs.ErrValidation, op, "image data cannot be empty")
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = describePrompt
	}
	dataURL := "data:" + detectImageType(img) + ";base64," + base64.StdEncoding.EncodeToString(img)
	resp, err := a.model.Complete(ctx, model.Request{
		Model: a.modelName,
		Messages: []model.Message{{
			Role:    model.RoleUser,
			Content: prompt,
			Parts:   []model.ContentPart{{Type: model.PartImage, ImageURL: dataURL}},
		}},
		MaxTokens: 1000,
	})
	if err != nil {
		return "", errdefs.Wrap(errdefs.ErrImageAnalysis, op, err)
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", errdefs.New(errdefs.ErrImageAnalysis, op, "no description returned")
	}
	return text, nil
}

func detectImageType(img []byte) string {
	contentType := http.DetectContentType(img)
	if strings.HasPrefix(contentType, "image/") {
		return contentType
	}
	return "image/jpeg"
}
