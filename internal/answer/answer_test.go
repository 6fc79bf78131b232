package answer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/driveqa/driveqa/internal/ollama"
)

func TestStreamerDeliversFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if !req.Stream {
			t.Error("expected streaming request")
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"message":{"role":"assistant","content":"John is "},"done":false}`+"\n")
		io.WriteString(w, `{"message":{"role":"assistant","content":"an engineer."},"done":false}`+"\n")
		io.WriteString(w, `{"message":{"role":"assistant","content":""},"done":true}`+"\n")
	}))
	defer srv.Close()

	s := NewStreamer(ollama.New(srv.URL), "mistral-nemo", 0.7)
	stream, err := s.Stream(context.Background(), "what is John's job?")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	got, err := Collect(stream)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got != "John is an engineer." {
		t.Errorf("answer = %q", got)
	}
}

type fakeStream struct {
	frags  []string
	err    error
	closed bool
}

func (f *fakeStream) Recv() (string, error) {
	if len(f.frags) == 0 {
		if f.err != nil {
			return "", f.err
		}
		return "", io.EOF
	}
	frag := f.frags[0]
	f.frags = f.frags[1:]
	return frag, nil
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func TestCollectClosesStream(t *testing.T) {
	f := &fakeStream{frags: []string{"a", "b"}}
	got, err := Collect(f)
	if err != nil {
		t.Fatal(err)
	}
	if got != "ab" {
		t.Errorf("Collect = %q", got)
	}
	if !f.closed {
		t.Error("stream not closed")
	}
}

func TestLiteral(t *testing.T) {
	got, err := Collect(Literal("canned reply"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "canned reply" {
		t.Errorf("Collect(Literal) = %q", got)
	}
}

func TestCollectReturnsPartialOnError(t *testing.T) {
	f := &fakeStream{frags: []string{"partial "}, err: errors.New("model crashed")}
	got, err := Collect(f)
	if err == nil {
		t.Fatal("expected error")
	}
	if got != "partial " {
		t.Errorf("partial = %q", got)
	}
	if !f.closed {
		t.Error("stream not closed on error")
	}
}
