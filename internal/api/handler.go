// Package api exposes the question answering pipeline over HTTP and MCP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/driveqa/driveqa/internal/ollama"
	"github.com/driveqa/driveqa/internal/session"
	"github.com/driveqa/driveqa/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds what the HTTP handlers need.
type Deps struct {
	Sessions *session.Manager
	Token    string // bearer token for /v1; empty disables auth
}

// NewHandler returns the HTTP handler for the REST API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/ask", handleAsk(deps))
		r.Get("/documents", handleDocuments(deps))
		r.Post("/reindex", handleReindex(deps))
		r.Get("/interactions", handleInteractions(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type askRequest struct {
	UserID   string `json:"user_id"`
	Question string `json:"question"`
	Stream   bool   `json:"stream"`
}

type askResponse struct {
	InteractionID string          `json:"interaction_id,omitempty"`
	Answer        string          `json:"answer"`
	Sources       json.RawMessage `json:"sources"`
	Notice        string          `json:"notice,omitempty"`
	Evaluation    any             `json:"evaluation,omitempty"`
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" || req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id and question are required")
			return
		}

		s, err := deps.Sessions.Login(r.Context(), req.UserID)
		if err != nil {
			writePipelineError(w, err)
			return
		}

		if req.Stream {
			streamAsk(w, r, s, req.Question)
			return
		}

		result, err := s.Ask(r.Context(), req.Question)
		if err != nil {
			writePipelineError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(askResponse{
			InteractionID: result.InteractionID,
			Answer:        result.Text,
			Sources:       marshalSources(result),
			Notice:        result.Notice,
			Evaluation:    evaluationOrNil(result),
		})
	}
}

// streamAsk delivers the answer as server-sent events: one {"delta": ...}
// event per fragment, then a final {"done": true} event carrying the
// metadata. Client disconnect cancels generation through the request context.
func streamAsk(w http.ResponseWriter, r *http.Request, s *session.Session, question string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	sa, err := s.AskStream(r.Context(), question)
	if err != nil {
		writePipelineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var full string
	var streamErr error
	for {
		frag, err := sa.Stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		full += frag
		writeEvent(w, flusher, map[string]any{"delta": frag})
	}
	sa.Stream.Close()

	result := sa.Finish(r.Context(), full, streamErr)

	if streamErr != nil && r.Context().Err() == nil {
		slog.Warn("answer stream failed", "interaction", result.InteractionID, "error", streamErr)
		writeEvent(w, flusher, map[string]any{
			"error": map[string]any{"message": "answer stream failed", "type": "server_error"},
		})
		return
	}

	writeEvent(w, flusher, map[string]any{
		"done":           true,
		"interaction_id": result.InteractionID,
		"sources":        json.RawMessage(marshalSources(result)),
		"notice":         result.Notice,
	})
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, payload map[string]any) {
	b, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("marshalling stream event", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
	flusher.Flush()
}

type documentResponse struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	MimeType     string `json:"mime_type"`
	LastModified string `json:"last_modified"`
	IndexedAt    string `json:"indexed_at"`
}

func handleDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		s, err := deps.Sessions.Login(r.Context(), userID)
		if err != nil {
			writePipelineError(w, err)
			return
		}

		docs, err := s.Documents()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing documents: %v", err)
			return
		}

		resp := make([]documentResponse, len(docs))
		for i, d := range docs {
			resp[i] = documentResponse{
				ID:           d.ID,
				Title:        d.Title,
				MimeType:     d.MimeType,
				LastModified: d.LastModified.Format(time.RFC3339),
				IndexedAt:    d.IndexedAt.Format(time.RFC3339),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"documents": resp})
	}
}

type reindexRequest struct {
	UserID string `json:"user_id"`
}

func handleReindex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req reindexRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		s, err := deps.Sessions.Login(r.Context(), req.UserID)
		if err != nil {
			writePipelineError(w, err)
			return
		}

		report, err := s.Reindex(r.Context())
		if err != nil {
			writePipelineError(w, err)
			return
		}

		failed := make([]map[string]string, len(report.Failed))
		for i, f := range report.Failed {
			failed[i] = map[string]string{"document_id": f.DocumentID, "error": f.Err.Error()}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"indexed": report.Indexed,
			"skipped": report.Skipped,
			"removed": report.Removed,
			"failed":  failed,
		})
	}
}

type interactionResponse struct {
	ID         string   `json:"id"`
	CreatedAt  string   `json:"created_at"`
	Question   string   `json:"question"`
	Answer     string   `json:"answer"`
	Status     string   `json:"status"`
	Evaluation *evalOut `json:"evaluation,omitempty"`
}

type evalOut struct {
	Relevance    int     `json:"relevance"`
	Completeness int     `json:"completeness"`
	Overall      float64 `json:"overall"`
}

func handleInteractions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = n
		}

		s, err := deps.Sessions.Login(r.Context(), userID)
		if err != nil {
			writePipelineError(w, err)
			return
		}

		history, err := s.History(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing interactions: %v", err)
			return
		}

		resp := make([]interactionResponse, len(history))
		for i, it := range history {
			resp[i] = interactionResponse{
				ID:        it.ID,
				CreatedAt: it.CreatedAt.Format(time.RFC3339),
				Question:  it.Question,
				Answer:    it.Answer,
				Status:    it.Status,
			}
			if it.Evaluated {
				resp[i].Evaluation = &evalOut{
					Relevance:    it.Relevance,
					Completeness: it.Completeness,
					Overall:      it.Overall,
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"interactions": resp})
	}
}

func marshalSources(result session.Answer) json.RawMessage {
	sources := result.Sources
	if sources == nil {
		return json.RawMessage("[]")
	}
	b, err := json.Marshal(sources)
	if err != nil {
		return json.RawMessage("[]")
	}
	return b
}

func evaluationOrNil(result session.Answer) any {
	if result.Evaluation == nil {
		return nil
	}
	return result.Evaluation
}

// writePipelineError maps pipeline failures onto HTTP statuses. Model
// problems are upstream failures and carry the remedy text.
func writePipelineError(w http.ResponseWriter, err error) {
	var me *ollama.ModelError
	if errors.As(err, &me) {
		httpError(w, http.StatusBadGateway, "model_error", "%v (%s)", me, me.Remedy)
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
