package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	googleEmbedEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/%s:embedContent?key=%s"
	googleBatchEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/%s:batchEmbedContents?key=%s"
)

// GoogleModel represents a supported Google embedding model.
type GoogleModel string

const (
	ModelGeminiEmbedding001 GoogleModel = "gemini-embedding-001"
)

func (m GoogleModel) dimensions() int {
	return 3072
}

// GoogleEmbedder generates embeddings using Google's Generative AI API, the
// one backend that honours task types.
type GoogleEmbedder struct {
	apiKey     string
	model      GoogleModel
	baseURL    string
	httpClient *http.Client
}

// NewGoogleEmbedder creates a new Google embedder.
func NewGoogleEmbedder(apiKey string, model GoogleModel) *GoogleEmbedder {
	return &GoogleEmbedder{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
	}
}

func (e *GoogleEmbedder) Name() string {
	return string(e.model)
}

func (e *GoogleEmbedder) Dimensions() int {
	return e.model.dimensions()
}

type googleEmbedRequest struct {
	Model    string        `json:"model,omitempty"`
	Content  googleContent `json:"content"`
	TaskType TaskType      `json:"taskType,omitempty"`
}

type googleBatchRequest struct {
	Requests []googleEmbedRequest `json:"requests"`
}

type googleContent struct {
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text"`
}

type googleValues struct {
	Values []float32 `json:"values"`
}

type googleEmbedResponse struct {
	Embedding googleValues `json:"embedding"`
}

type googleBatchResponse struct {
	Embeddings []googleValues `json:"embeddings"`
}

func (e *GoogleEmbedder) Embed(ctx context.Context, text string, task TaskType) ([]float32, error) {
	var result googleEmbedResponse
	req := googleEmbedRequest{
		Content:  googleContent{Parts: []googlePart{{Text: text}}},
		TaskType: task,
	}
	if err := e.post(ctx, fmt.Sprintf(googleEmbedEndpoint, e.model, e.apiKey), req, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding.Values) == 0 {
		return nil, fmt.Errorf("google returned empty embedding")
	}
	return result.Embedding.Values, nil
}

func (e *GoogleEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := checkBatch(texts); err != nil {
		return nil, err
	}

	batch := googleBatchRequest{Requests: make([]googleEmbedRequest, len(texts))}
	for i, text := range texts {
		batch.Requests[i] = googleEmbedRequest{
			Model:    "models/" + string(e.model),
			Content:  googleContent{Parts: []googlePart{{Text: text}}},
			TaskType: TaskRetrievalDocument,
		}
	}
	var result googleBatchResponse
	if err := e.post(ctx, fmt.Sprintf(googleBatchEndpoint, e.model, e.apiKey), batch, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("google returned %d embeddings, expected %d", len(result.Embeddings), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

func (e *GoogleEmbedder) post(ctx context.Context, url string, payload, into any) error {
	if e.baseURL != "" {
		url = e.baseURL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal google embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create google embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("google embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("google embed API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decode google embed response: %w", err)
	}
	return nil
}
