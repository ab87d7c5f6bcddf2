package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp := ollamaEmbedResponse{}
		for i := range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(i), 1})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder("nomic-embed-text", 2, srv.URL)
	out, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(out) != 3 || out[2][0] != 2 {
		t.Errorf("unexpected embeddings %v", out)
	}

	one, err := e.Embed(context.Background(), "x", TaskRetrievalQuery)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(one) != 2 {
		t.Errorf("expected 2 dimensions, got %d", len(one))
	}
}

func TestBatchTooLargeFailsFast(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	texts := make([]string, MaxBatchSize+1)
	for i := range texts {
		texts[i] = fmt.Sprintf("text %d", i)
	}

	embedders := map[string]Embedder{
		"ollama": NewOllamaEmbedder("m", 2, srv.URL),
		"google": &GoogleEmbedder{model: ModelGeminiEmbedding001, baseURL: srv.URL, httpClient: srv.Client()},
		"openai": NewOpenAIEmbedder("sk-test", ModelTextEmbedding3Small),
	}
	for name, e := range embedders {
		_, err := e.EmbedBatch(context.Background(), texts)
		if !errors.Is(err, ErrBatchTooLarge) {
			t.Errorf("%s: expected ErrBatchTooLarge, got %v", name, err)
		}
	}
	if calls != 0 {
		t.Errorf("oversized batch reached the backend %d times", calls)
	}
}

func TestGoogleSendsTaskType(t *testing.T) {
	var got googleEmbedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"embedding":{"values":[0.1,0.2,0.3]}}`)
	}))
	defer srv.Close()

	e := &GoogleEmbedder{model: ModelGeminiEmbedding001, baseURL: srv.URL, httpClient: srv.Client()}
	v, err := e.Embed(context.Background(), "knee flexion deficit", TaskRetrievalQuery)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v) != 3 {
		t.Errorf("expected 3 values, got %d", len(v))
	}
	if got.TaskType != TaskRetrievalQuery {
		t.Errorf("task type = %q, want %q", got.TaskType, TaskRetrievalQuery)
	}
	if got.Content.Parts[0].Text != "knee flexion deficit" {
		t.Errorf("unexpected content %+v", got.Content)
	}
}

func TestGoogleErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := &GoogleEmbedder{model: ModelGeminiEmbedding001, baseURL: srv.URL, httpClient: srv.Client()}
	if _, err := e.Embed(context.Background(), "x", TaskRetrievalDocument); err == nil {
		t.Fatal("expected error for 429")
	}
}
