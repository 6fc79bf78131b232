package retrieval

import (
	"context"
	"errors"
	"testing"
)

type mockEmbedClient struct {
	embedFn func(ctx context.Context, model, text string) ([]float32, error)
}

func (m *mockEmbedClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	return m.embedFn(ctx, model, text)
}

func TestEmbedderUsesModel(t *testing.T) {
	client := &mockEmbedClient{embedFn: func(_ context.Context, model, text string) ([]float32, error) {
		if model != "nomic-embed-text" {
			t.Errorf("model = %q", model)
		}
		if text != "the question" {
			t.Errorf("text = %q", text)
		}
		return []float32{0.1, 0.2}, nil
	}}

	e := NewEmbedder(client, "nomic-embed-text")
	vec, err := e.Embed(context.Background(), "the question")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 {
		t.Errorf("vec = %v", vec)
	}
}

func TestEmbedderWrapsError(t *testing.T) {
	client := &mockEmbedClient{embedFn: func(_ context.Context, _, _ string) ([]float32, error) {
		return nil, errors.New("connection refused")
	}}

	e := NewEmbedder(client, "m")
	if _, err := e.Embed(context.Background(), "q"); err == nil {
		t.Fatal("expected error")
	}
}
