// Package answer turns an assembled prompt into a streamed model response.
package answer

import (
	"context"
	"io"
	"strings"

	"github.com/driveqa/driveqa/internal/ollama"
)

// Stream delivers an answer fragment by fragment. Recv returns io.EOF after
// the final fragment; Close abandons generation and cancels the model call.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Streamer produces answer streams from prompts using a chat model.
type Streamer struct {
	client *ollama.Client
	cfg    ollama.GenerateConfig
}

// NewStreamer creates a Streamer for the given model.
func NewStreamer(client *ollama.Client, model string, temperature float64) *Streamer {
	return &Streamer{
		client: client,
		cfg:    ollama.GenerateConfig{Model: model, Temperature: temperature},
	}
}

// Stream starts generating an answer for the prompt. Cancelling ctx stops
// generation mid-answer; fragments already delivered stay delivered.
func (s *Streamer) Stream(ctx context.Context, prompt string) (Stream, error) {
	return s.client.ChatStream(ctx, s.cfg, []ollama.Message{
		{Role: "user", Content: prompt},
	})
}

// Literal returns a Stream that yields the given text once and then ends.
// Used for answers produced without a model call, so every reply path can be
// consumed the same way.
func Literal(text string) Stream {
	return &literalStream{text: text}
}

type literalStream struct {
	text string
	done bool
}

func (l *literalStream) Recv() (string, error) {
	if l.done {
		return "", io.EOF
	}
	l.done = true
	return l.text, nil
}

func (l *literalStream) Close() error { return nil }

// Collect drains a stream into the complete answer text, closing it when
// done. Used by callers that want the whole answer at once.
func Collect(stream Stream) (string, error) {
	defer stream.Close()

	var sb strings.Builder
	for {
		frag, err := stream.Recv()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(frag)
	}
}
