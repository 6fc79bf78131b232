package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const streamTimeout = 300 * time.Second

// ChatStream delivers an in-progress chat response token by token. Recv
// returns io.EOF once the model reports completion; Close abandons the
// response and cancels the underlying request.
type ChatStream struct {
	body   io.ReadCloser
	dec    *json.Decoder
	cancel context.CancelFunc
	done   bool
}

// ChatStream starts a streaming chat request. The returned stream must be
// closed by the caller. Cancelling ctx aborts generation mid-response.
func (c *Client) ChatStream(ctx context.Context, cfg GenerateConfig, messages []Message) (*ChatStream, error) {
	ctx, cancel := context.WithTimeout(ctx, streamTimeout)

	cr := chatRequest{
		Model:    cfg.Model,
		Messages: messages,
		Stream:   true,
		Options: &chatOptions{
			Temperature: cfg.Temperature,
			NumPredict:  cfg.MaxTokens,
		},
	}

	body, err := json.Marshal(cr)
	if err != nil {
		cancel()
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, modelErr("chat", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, modelErr("chat", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	return &ChatStream{
		body:   resp.Body,
		dec:    json.NewDecoder(resp.Body),
		cancel: cancel,
	}, nil
}

// Recv returns the next response fragment. It returns io.EOF after the final
// fragment has been delivered.
func (s *ChatStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	var line chatResponse
	if err := s.dec.Decode(&line); err != nil {
		if err == io.EOF {
			s.done = true
			return "", io.EOF
		}
		return "", modelErr("chat stream", err)
	}

	if line.Done {
		s.done = true
		if line.Message.Content == "" {
			return "", io.EOF
		}
	}
	return line.Message.Content, nil
}

// Close cancels the request and releases the response body. Safe to call
// after Recv has returned io.EOF.
func (s *ChatStream) Close() error {
	s.cancel()
	return s.body.Close()
}
