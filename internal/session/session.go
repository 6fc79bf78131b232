// Package session ties the pipeline together per user: index lifecycle,
// question answering, evaluation, and history.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driveqa/driveqa/internal/answer"
	"github.com/driveqa/driveqa/internal/composer"
	"github.com/driveqa/driveqa/internal/eval"
	"github.com/driveqa/driveqa/internal/index"
	"github.com/driveqa/driveqa/internal/relevance"
	"github.com/driveqa/driveqa/internal/retrieval"
	"github.com/driveqa/driveqa/internal/storage"
)

const emptyRetrievalNotice = "No relevant passages were found in your documents, so the answer below is not grounded in them."

const evalTimeout = 2 * time.Minute

// Mode is how a question should be handled, selected with a query prefix.
type Mode int

const (
	// ModeNormal answers the question.
	ModeNormal Mode = iota
	// ModeDebug lists the user's accessible documents without retrieval.
	ModeDebug
	// ModeTest runs ingestion only, no retrieval and no answer.
	ModeTest
	// ModeExplain returns retrieval diagnostics instead of an answer.
	ModeExplain
	// ModeEval answers and waits for the quality evaluation to finish.
	ModeEval
)

// parseMode strips a recognized mode prefix off the question.
func parseMode(question string) (Mode, string) {
	switch {
	case strings.HasPrefix(question, "debug:"):
		return ModeDebug, strings.TrimSpace(strings.TrimPrefix(question, "debug:"))
	case strings.HasPrefix(question, "test:"):
		return ModeTest, strings.TrimSpace(strings.TrimPrefix(question, "test:"))
	case strings.HasPrefix(question, "explain:"):
		return ModeExplain, strings.TrimSpace(strings.TrimPrefix(question, "explain:"))
	case strings.HasPrefix(question, "eval:"):
		return ModeEval, strings.TrimSpace(strings.TrimPrefix(question, "eval:"))
	}
	return ModeNormal, question
}

// diagnostic reports whether a mode produces a diagnostic reply that is not
// part of the interaction history.
func (m Mode) diagnostic() bool {
	return m == ModeDebug || m == ModeTest || m == ModeExplain
}

// Answerer produces answer streams from prompts, implemented by *answer.Streamer.
type Answerer interface {
	Stream(ctx context.Context, prompt string) (answer.Stream, error)
}

// Judge scores answers, implemented by *eval.Evaluator. A nil Judge disables
// evaluation entirely.
type Judge interface {
	Evaluate(ctx context.Context, question, contextText, answerText string) (*eval.Score, error)
}

// Options carries the per-question pipeline settings.
type Options struct {
	Retrieval retrieval.Options
	Template  string
}

// Answer is the complete result of one question.
type Answer struct {
	InteractionID string
	Text          string
	Sources       []composer.Source
	Notice        string
	Evaluation    *eval.Score
}

// Manager owns the user sessions and the pipeline components they share.
type Manager struct {
	opts      Options
	indexes   *index.Manager
	store     *storage.Store
	retriever *retrieval.Retriever
	filter    *relevance.Filter
	comp      *composer.Composer
	answerer  Answerer
	judge     Judge

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager wires the pipeline components into a session manager.
func NewManager(indexes *index.Manager, store *storage.Store, retriever *retrieval.Retriever,
	filter *relevance.Filter, comp *composer.Composer, answerer Answerer, judge Judge, opts Options) *Manager {
	return &Manager{
		opts:      opts,
		indexes:   indexes,
		store:     store,
		retriever: retriever,
		filter:    filter,
		comp:      comp,
		answerer:  answerer,
		judge:     judge,
		sessions:  make(map[string]*Session),
	}
}

// Login returns the user's session, building the embedding index on first
// login. Subsequent logins reuse the cached session and its open index.
// The manager lock only guards the session map; index builds run under the
// session's own lock, so one user's build never delays another user's login.
func (m *Manager) Login(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id must not be empty")
	}

	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		s = &Session{userID: userID, mgr: m}
		m.sessions[userID] = s
	}
	m.mu.Unlock()

	if err := s.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes every session's index.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for userID, s := range m.sessions {
		s.initMu.Lock()
		if s.ix != nil {
			if err := s.ix.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("closing index for %s: %w", userID, err)
			}
			s.ix = nil
		}
		s.initMu.Unlock()
		delete(m.sessions, userID)
	}
	return firstErr
}

// Session is one user's view of the pipeline. Questions on a session are
// answered one at a time; concurrent asks queue up.
type Session struct {
	userID string
	mgr    *Manager
	askMu  sync.Mutex

	initMu sync.Mutex
	ix     *index.Index
}

// ensureIndex loads or builds the session's index on first use. Callers for
// the same user queue here; other users are unaffected. A failed build leaves
// the session indexless so the next login retries.
func (s *Session) ensureIndex(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.ix != nil {
		return nil
	}

	ix, err := s.mgr.indexes.Load(s.userID)
	if errors.Is(err, index.ErrCacheMiss) {
		slog.Info("no index cached, building", "user", s.userID)
		ix, err = s.mgr.indexes.Open(s.userID)
		if err != nil {
			return fmt.Errorf("opening index for %s: %w", s.userID, err)
		}
		report, buildErr := ix.BuildOrUpdate(ctx)
		if buildErr != nil {
			ix.Close()
			return fmt.Errorf("building index for %s: %w", s.userID, buildErr)
		}
		slog.Info("index built", "user", s.userID,
			"indexed", report.Indexed, "skipped", report.Skipped, "failed", len(report.Failed))
	} else if err != nil {
		return fmt.Errorf("loading index for %s: %w", s.userID, err)
	}

	s.ix = ix
	return nil
}

// UserID returns the session owner's identifier.
func (s *Session) UserID() string { return s.userID }

// Reindex resynchronizes the index with the user's current documents.
func (s *Session) Reindex(ctx context.Context) (index.BuildReport, error) {
	return s.ix.BuildOrUpdate(ctx)
}

// Documents lists the user's indexed documents.
func (s *Session) Documents() ([]index.Document, error) {
	return s.ix.Documents()
}

// Search retrieves and filters chunks for a query without generating an
// answer. Used by the search surface and diagnostics.
func (s *Session) Search(ctx context.Context, query string, topK int) ([]index.ScoredChunk, error) {
	opts := s.mgr.opts.Retrieval
	if topK > 0 {
		opts.TopK = topK
	}
	candidates, err := s.mgr.retriever.Retrieve(ctx, s.ix, query, opts)
	if err != nil {
		return nil, err
	}
	kept, _ := s.mgr.filter.Apply(candidates, query, s.ix)
	return kept, nil
}

// History returns the user's most recent interactions, newest first.
func (s *Session) History(limit int) ([]storage.Interaction, error) {
	return s.mgr.store.GetRecentInteractions(s.userID, limit)
}

// Ask answers a question, blocking until the full answer is available.
func (s *Session) Ask(ctx context.Context, question string) (Answer, error) {
	sa, err := s.AskStream(ctx, question)
	if err != nil {
		return Answer{}, err
	}
	text, collectErr := answer.Collect(sa.Stream)
	result := sa.Finish(ctx, text, collectErr)
	if collectErr != nil {
		return result, collectErr
	}
	return result, nil
}

// AskStream starts answering a question and hands the fragment stream to the
// caller. The caller must drain (or abandon) the stream and then call Finish
// exactly once; the session accepts no further questions until it does.
func (s *Session) AskStream(ctx context.Context, question string) (*StreamingAnswer, error) {
	s.askMu.Lock()
	sa, err := s.askLocked(ctx, question)
	if err != nil {
		s.askMu.Unlock()
		return nil, err
	}
	return sa, nil
}

func (s *Session) askLocked(ctx context.Context, question string) (*StreamingAnswer, error) {
	mode, q := parseMode(question)
	m := s.mgr

	// debug: and test: never touch retrieval; the text after the prefix is
	// irrelevant because the session already names the user.
	switch mode {
	case ModeDebug:
		docs, err := s.ix.Documents()
		if err != nil {
			return nil, fmt.Errorf("listing documents: %w", err)
		}
		return &StreamingAnswer{Stream: answer.Literal(documentsText(s.userID, docs)), s: s, mode: mode}, nil
	case ModeTest:
		report, err := s.ix.BuildOrUpdate(ctx)
		if err != nil {
			return nil, fmt.Errorf("reindexing for %s: %w", s.userID, err)
		}
		return &StreamingAnswer{Stream: answer.Literal(reportText(report)), s: s, mode: mode}, nil
	}

	if q == "" {
		return nil, fmt.Errorf("question must not be empty")
	}

	candidates, err := m.retriever.Retrieve(ctx, s.ix, q, m.opts.Retrieval)
	if err != nil {
		return nil, fmt.Errorf("retrieving context: %w", err)
	}
	kept, report := m.filter.Apply(candidates, q, s.ix)

	if mode == ModeExplain {
		return &StreamingAnswer{
			Stream: answer.Literal(debugText(q, m.opts.Retrieval, candidates, kept, report)),
			s:      s,
			mode:   mode,
		}, nil
	}

	prompt := m.comp.Compose(q, kept, m.opts.Template)

	var notice string
	if len(kept) == 0 {
		notice = emptyRetrievalNotice
	}

	stream, err := m.answerer.Stream(ctx, prompt.Text)
	if err != nil {
		return nil, fmt.Errorf("starting answer stream: %w", err)
	}

	return &StreamingAnswer{
		Stream:        stream,
		Sources:       prompt.Sources,
		Notice:        notice,
		InteractionID: uuid.New().String(),
		s:             s,
		mode:          mode,
		question:      q,
		promptText:    prompt.Text,
		contextText:   joinChunkTexts(kept),
	}, nil
}

// StreamingAnswer is an in-flight answer. Metadata is available immediately;
// the text arrives through Stream.
type StreamingAnswer struct {
	Stream        answer.Stream
	Sources       []composer.Source
	Notice        string
	InteractionID string

	s           *Session
	mode        Mode
	question    string
	promptText  string
	contextText string
	finished    bool
}

// Finish records the interaction and starts (or, in test mode, completes)
// the quality evaluation. text is whatever the caller received before the
// stream ended; streamErr is the terminal stream error, nil on clean EOF.
func (sa *StreamingAnswer) Finish(ctx context.Context, text string, streamErr error) Answer {
	if sa.finished {
		return Answer{InteractionID: sa.InteractionID, Text: text, Sources: sa.Sources, Notice: sa.Notice}
	}
	sa.finished = true
	defer sa.s.askMu.Unlock()

	result := Answer{
		InteractionID: sa.InteractionID,
		Text:          text,
		Sources:       sa.Sources,
		Notice:        sa.Notice,
	}

	// Diagnostics are not part of the interaction history.
	if sa.mode.diagnostic() {
		return result
	}

	status := "completed"
	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) || errors.Is(streamErr, context.DeadlineExceeded) {
			status = "cancelled"
		} else {
			status = "failed"
		}
	}

	sources := sa.Sources
	if sources == nil {
		sources = []composer.Source{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		sourcesJSON = []byte("[]")
	}

	if err := sa.s.mgr.store.SaveInteraction(storage.Interaction{
		ID:        sa.InteractionID,
		UserID:    sa.s.userID,
		CreatedAt: time.Now().UTC(),
		Question:  sa.question,
		Prompt:    sa.promptText,
		Answer:    text,
		Sources:   string(sourcesJSON),
		Status:    status,
	}); err != nil {
		slog.Warn("saving interaction", "interaction", sa.InteractionID, "error", err)
	}

	if status != "completed" || sa.s.mgr.judge == nil {
		return result
	}

	if sa.mode == ModeEval {
		score, err := sa.s.mgr.judge.Evaluate(ctx, sa.question, sa.contextText, text)
		if err != nil {
			slog.Warn("evaluation failed", "interaction", sa.InteractionID, "error", err)
			return result
		}
		result.Evaluation = score
		sa.s.mgr.recordEvaluation(sa.InteractionID, score)
		return result
	}

	go sa.s.mgr.evaluateAsync(sa.InteractionID, sa.question, sa.contextText, text)
	return result
}

// evaluateAsync scores an answer in the background. The answer has already
// been delivered, so failures here only cost the score.
func (m *Manager) evaluateAsync(interactionID, question, contextText, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	score, err := m.judge.Evaluate(ctx, question, contextText, text)
	if err != nil {
		slog.Warn("evaluation failed", "interaction", interactionID, "error", err)
		return
	}
	m.recordEvaluation(interactionID, score)
}

func (m *Manager) recordEvaluation(interactionID string, score *eval.Score) {
	if err := m.store.UpdateEvaluation(interactionID, score.Relevance, score.Completeness, score.Overall); err != nil {
		slog.Warn("recording evaluation", "interaction", interactionID, "error", err)
	}
}

func joinChunkTexts(chunks []index.ScoredChunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Text
	}
	return strings.Join(parts, "\n\n")
}

// documentsText renders the document listing for a debug: query.
func documentsText(userID string, docs []index.Document) string {
	if len(docs) == 0 {
		return fmt.Sprintf("no documents indexed for %s\n", userID)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d documents accessible to %s\n", len(docs), userID)
	for _, d := range docs {
		fmt.Fprintf(&sb, "- %s (%s, %s, modified %s)\n",
			d.Title, d.ID, d.MimeType, d.LastModified.Format(time.RFC3339))
	}
	return sb.String()
}

// reportText renders an ingestion report for a test: query.
func reportText(report index.BuildReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ingestion complete: indexed=%d skipped=%d removed=%d failed=%d\n",
		report.Indexed, report.Skipped, report.Removed, len(report.Failed))
	for _, f := range report.Failed {
		fmt.Fprintf(&sb, "- %s: %v\n", f.DocumentID, f.Err)
	}
	return sb.String()
}

// debugText renders retrieval diagnostics for an explain: question.
func debugText(q string, opts retrieval.Options, candidates, kept []index.ScoredChunk, report relevance.Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "retrieval debug for %q\n", q)
	fmt.Fprintf(&sb, "strategy=%s topK=%d candidates=%d kept=%d\n",
		opts.Strategy, opts.TopK, len(candidates), len(kept))
	if len(report.Entities) > 0 {
		fmt.Fprintf(&sb, "entities=%v excluded=%d deduped=%d overridden=%v\n",
			report.Entities, report.Excluded, report.Deduped, report.Overridden)
	}
	for i, c := range kept {
		fmt.Fprintf(&sb, "%2d. [%s] score=%.3f seq=%d %q\n", i+1, c.Title, c.Score, c.Seq, snippet(c.Text, 80))
	}
	return sb.String()
}

func snippet(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
