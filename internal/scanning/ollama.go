package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "qwen2.5vl:7b"
)

// Ollama reads receipts with a local vision model served by Ollama.
// Models with decent OCR: qwen2.5vl, llava:1.6, llama3.2-vision.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates an Ollama scanner. Vision models are slow on CPU, so
// the HTTP timeout is generous; callers bound each scan with their context.
func NewOllama(baseURL, modelName string) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if modelName == "" {
		modelName = DefaultOllamaModel
	}
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client:  &http.Client{Timeout: 180 * time.Second},
	}
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Name implements Scanner
func (o *Ollama) Name() string {
	return o.model
}

// ScanReceipt implements Scanner
func (o *Ollama) ScanReceipt(ctx context.Context, data []byte, contentType string) (*Result, error) {
	pngData, err := toPNG(data, contentType)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(ollamaChatRequest{
		Model:  o.model,
		Format: "json",
		Messages: []ollamaMessage{
			{Role: "system", Content: "You extract expense data from receipt images accurately."},
			{Role: "user", Content: extractionPrompt, Images: []string{base64.StdEncoding.EncodeToString(pngData)}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var chat ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decoding ollama response: %w", err)
	}

	res, err := parseResult(chat.Message.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing ollama output: %w", err)
	}
	res.Model = o.model
	return res, nil
}

// Close implements Scanner
func (o *Ollama) Close() error {
	return nil
}
