package scanning

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGeminiModel is used when no model name is configured
const DefaultGeminiModel = "gemini-2.5-flash"

// Gemini reads receipts with Google Gemini
type Gemini struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	modelName string
}

// NewGemini creates a Gemini scanner
func NewGemini(ctx context.Context, apiKey, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"

	return &Gemini{client: client, model: model, modelName: modelName}, nil
}

// Name implements Scanner
func (g *Gemini) Name() string {
	return g.modelName
}

// ScanReceipt implements Scanner
func (g *Gemini) ScanReceipt(ctx context.Context, data []byte, contentType string) (*Result, error) {
	pngData, err := toPNG(data, contentType)
	if err != nil {
		return nil, err
	}

	// genai wants the format suffix, not the MIME type
	resp, err := g.model.GenerateContent(ctx, genai.ImageData("png", pngData), genai.Text(extractionPrompt))
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no candidates from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	res, err := parseResult(text.String())
	if err != nil {
		return nil, fmt.Errorf("parsing gemini output: %w", err)
	}
	res.Model = g.modelName
	return res, nil
}

// Close implements Scanner
func (g *Gemini) Close() error {
	return g.client.Close()
}
