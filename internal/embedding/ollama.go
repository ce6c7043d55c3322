// Package embedding talks to the Ollama HTTP API for the two LLM
// collaborator boundaries: the embedder and text generation for the
// consolidation generalizer. Both accept a context and respect its
// deadline; callers treat failures and timeouts identically.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client handles embedding and generation via Ollama.
type Client struct {
	baseURL       string
	embedModel    string
	generateModel string
	client        *http.Client
}

// NewClient creates a new Ollama client.
func NewClient(baseURL, embedModel, generateModel string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if embedModel == "" {
		embedModel = "nomic-embed-text"
	}
	if generateModel == "" {
		generateModel = "llama3.2"
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		embedModel:    embedModel,
		generateModel: generateModel,
		client:        &http.Client{Timeout: timeout},
	}
}

// embeddingRequest is the Ollama API request format
type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embeddingResponse is the Ollama API response format
type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates an embedding for the given text. Idempotent for
// identical input.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	var result embeddingResponse
	if err := c.post(ctx, "/api/embeddings", embeddingRequest{
		Model:  c.embedModel,
		Prompt: text,
	}, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return result.Embedding, nil
}

// generateRequest is the Ollama API request format for generation
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateResponse is the Ollama API response format for generation
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate creates a text completion.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}

	var result generateResponse
	if err := c.post(ctx, "/api/generate", generateRequest{
		Model:  c.generateModel,
		Prompt: prompt,
		Stream: false,
	}, &result); err != nil {
		return "", err
	}
	return result.Response, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, out any) error {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// AverageEmbeddings computes the centroid of multiple embeddings.
func AverageEmbeddings(embeddings [][]float64) []float64 {
	if len(embeddings) == 0 {
		return nil
	}

	dims := len(embeddings[0])
	result := make([]float64, dims)
	count := 0
	for _, emb := range embeddings {
		if len(emb) != dims {
			continue // skip mismatched dimensions
		}
		for i, v := range emb {
			result[i] += v
		}
		count++
	}
	if count == 0 {
		return nil
	}
	for i := range result {
		result[i] /= float64(count)
	}
	return result
}
