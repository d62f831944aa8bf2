// Package chat runs one conversational turn end to end: it locks the
// session, builds the prompt, streams the generator output to the caller and
// persists the turn only when generation finished cleanly.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shanemcd/llamachat/pkg/control"
	"github.com/shanemcd/llamachat/pkg/generator"
	"github.com/shanemcd/llamachat/pkg/metrics"
	"github.com/shanemcd/llamachat/pkg/prompt"
	"github.com/shanemcd/llamachat/pkg/session"
)

const (
	DefaultMaxHistory     = 10
	DefaultMaxSessions    = 100
	DefaultMaxInputLength = 2048
)

const saveFailedTrailer = "\n\n[ERROR] Failed to save chat history. This turn was not recorded.\n"

var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrTooManySessions = errors.New("too many chat sessions")
	ErrEmptyResponse   = errors.New("generator produced an empty response")
)

// Config bounds what a turn may use.
type Config struct {
	// MaxHistory is the number of prior turns fed to the prompt. Zero means
	// all of them.
	MaxHistory int
	// MaxSessions caps the number of persisted sessions. A chat for a new id
	// is rejected once the cap is reached. Zero disables the cap.
	MaxSessions int
	// MaxInputLength is the maximum message length in characters. Zero
	// disables the check.
	MaxInputLength int
}

// DefaultConfig returns the limits of the reference deployment.
func DefaultConfig() Config {
	return Config{
		MaxHistory:     DefaultMaxHistory,
		MaxSessions:    DefaultMaxSessions,
		MaxInputLength: DefaultMaxInputLength,
	}
}

// Result describes how a turn ended.
type Result struct {
	Status    generator.Status
	Response  string // text streamed to the caller, without any error trailer
	Persisted bool
	Err       error // why the turn did not complete, nil when Status is done
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records turn outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithState reports in-flight generations to st.
func WithState(st *control.State) Option {
	return func(s *Service) { s.state = st }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// Service orchestrates turns against a store and a generator.
type Service struct {
	store   *session.Store
	gen     generator.Generator
	builder prompt.Builder
	cfg     Config

	metrics *metrics.Metrics
	state   *control.State
	tracer  trace.Tracer
}

// New creates a Service.
func New(store *session.Store, gen generator.Generator, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:   store,
		gen:     gen,
		builder: prompt.Builder{MaxTurns: cfg.MaxHistory},
		cfg:     cfg,
		tracer:  otel.Tracer("github.com/shanemcd/llamachat/pkg/chat"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the session store the service runs against.
func (s *Service) Store() *session.Store {
	return s.store
}

// Generator returns the generator the service streams from.
func (s *Service) Generator() generator.Generator {
	return s.gen
}

// DryRun returns the prompt a turn with message would send, without
// generating or persisting anything.
func (s *Service) DryRun(ctx context.Context, chatID, message string) (string, error) {
	message, err := s.checkMessage(message)
	if err != nil {
		return "", err
	}
	if err := s.checkCapacity(ctx, chatID); err != nil {
		return "", err
	}
	sess, err := s.store.Get(ctx, chatID)
	if err != nil {
		return "", err
	}
	return s.builder.Build(sess.SystemPrompt, sess.History, message), nil
}

// SetSystemPrompt sets or, with a nil prompt, clears the system prompt of
// chatID. Creating a new session this way counts against the session cap.
func (s *Service) SetSystemPrompt(ctx context.Context, chatID string, prompt *string) error {
	if err := s.checkCapacity(ctx, chatID); err != nil {
		return err
	}
	return s.store.SetSystemPrompt(ctx, chatID, prompt)
}

// Turn runs one turn for chatID, writing generated text to w as it arrives.
//
// The returned error is non-nil when the turn could not start (invalid
// message, session cap, storage failure) or when persisting the finished
// turn failed. Generation outcomes (timeout, cancellation, failure) are
// reported through Result with a nil error. When the generator fails or
// times out, or the finished turn cannot be saved, a short error trailer is
// written to w after the streamed output.
func (s *Service) Turn(ctx context.Context, chatID, message string, w io.Writer) (Result, error) {
	message, err := s.checkMessage(message)
	if err != nil {
		return Result{Status: generator.StatusFailed, Err: err}, err
	}
	if err := s.checkCapacity(ctx, chatID); err != nil {
		return Result{Status: generator.StatusFailed, Err: err}, err
	}

	ctx, span := s.tracer.Start(ctx, "chat.Turn", trace.WithAttributes(
		attribute.String("chat.id", chatID),
		attribute.String("generator", s.gen.Name()),
	))
	defer span.End()

	var res Result
	generated := false
	err = s.store.WithLock(ctx, chatID, func(sess *session.Session) (*session.Session, error) {
		p := s.builder.Build(sess.SystemPrompt, sess.History, message)
		generated = true
		res = s.generate(ctx, chatID, p, w)
		if res.Status != generator.StatusDone {
			return nil, session.ErrNoChange
		}
		sess.History = append(sess.History, session.Turn{User: message, Assistant: res.Response})
		return sess, nil
	})

	switch {
	case err == nil:
	case !generated && isContextErr(err):
		// Gave up waiting for the lock.
		res = Result{Status: generator.StatusCancelled, Err: err}
		err = nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage")
		slog.Error("chat turn failed", "chat_id", chatID, "error", err)
		if generated && res.Status == generator.StatusDone {
			// The reply was streamed in full but never saved.
			if _, werr := io.WriteString(w, saveFailedTrailer); werr != nil {
				slog.Debug("failed to write error trailer", "chat_id", chatID, "error", werr)
			}
		}
		res.Persisted = false
		if res.Err == nil {
			res.Err = err
		}
		return res, err
	}

	if res.Status == generator.StatusDone {
		res.Persisted = true
		s.metrics.TurnPersisted()
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, res.Status.String())
	}
	span.SetAttributes(
		attribute.String("chat.status", res.Status.String()),
		attribute.Int("chat.response_bytes", len(res.Response)),
	)
	return res, nil
}

// generate streams p from the generator into w. It must be called with the
// session lock held.
func (s *Service) generate(ctx context.Context, chatID, p string, w io.Writer) Result {
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.state.BeginGeneration()
	defer s.state.EndGeneration()
	s.metrics.GenerationStarted()
	start := time.Now()

	var b strings.Builder
	res := s.stream(genCtx, cancel, p, w, &b)
	res.Response = b.String()

	if res.Status == generator.StatusDone && strings.TrimSpace(res.Response) == "" {
		res.Status = generator.StatusFailed
		res.Err = ErrEmptyResponse
		slog.Warn("generator produced an empty response, history not updated", "chat_id", chatID)
	}

	s.metrics.GenerationFinished(res.Status.String(), time.Since(start), len(res.Response))
	s.writeTrailer(chatID, res, w)
	return res
}

// stream drains the generator channel. A failed write to w cancels the
// generation; the child is then reaped by the generator.
func (s *Service) stream(ctx context.Context, cancel context.CancelFunc, p string, w io.Writer, b *strings.Builder) Result {
	events, err := s.gen.Stream(ctx, p)
	if err != nil {
		return Result{Status: generator.StatusOf(err), Err: err}
	}

	var writeErr error
	for ev := range events {
		if ev.Done {
			if writeErr != nil {
				return Result{Status: generator.StatusCancelled, Err: writeErr}
			}
			return Result{Status: ev.Status, Err: ev.Err}
		}
		if ev.Content == "" || writeErr != nil {
			continue
		}
		b.WriteString(ev.Content)
		if _, err := io.WriteString(w, ev.Content); err != nil {
			writeErr = fmt.Errorf("write response: %w", err)
			cancel()
		}
	}

	// Closed without a final event: the stream was cancelled.
	if writeErr != nil {
		return Result{Status: generator.StatusCancelled, Err: writeErr}
	}
	err = ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	return Result{Status: generator.StatusCancelled, Err: err}
}

func (s *Service) writeTrailer(chatID string, res Result, w io.Writer) {
	var trailer string
	switch res.Status {
	case generator.StatusTimeout:
		slog.Warn("generation timed out", "chat_id", chatID)
		trailer = "\n\n[ERROR] Generation timed out.\n"
	case generator.StatusFailed:
		if errors.Is(res.Err, ErrEmptyResponse) {
			return
		}
		stderr := strings.TrimSpace(generator.Diagnostics(res.Err))
		slog.Error("generation failed", "chat_id", chatID, "error", res.Err, "stderr", stderr)
		details := stderr
		if details == "" && res.Err != nil {
			details = res.Err.Error()
		}
		trailer = fmt.Sprintf("\n\n[ERROR] Model execution failed. Details:\n%s\n", details)
	case generator.StatusCancelled:
		slog.Info("generation cancelled", "chat_id", chatID, "error", res.Err)
		return
	default:
		return
	}
	if _, err := io.WriteString(w, trailer); err != nil {
		slog.Debug("failed to write error trailer", "chat_id", chatID, "error", err)
	}
}

func (s *Service) checkMessage(message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", fmt.Errorf("%w: message is empty", ErrInvalidMessage)
	}
	if s.cfg.MaxInputLength > 0 && utf8.RuneCountInString(message) > s.cfg.MaxInputLength {
		return "", fmt.Errorf("%w: message exceeds %d characters", ErrInvalidMessage, s.cfg.MaxInputLength)
	}
	return message, nil
}

// checkCapacity rejects a new session once the cap is reached. Concurrent
// first requests for distinct new ids may overshoot the cap slightly.
func (s *Service) checkCapacity(ctx context.Context, chatID string) error {
	if s.cfg.MaxSessions <= 0 {
		return nil
	}
	exists, err := s.store.Exists(ctx, chatID)
	if err != nil || exists {
		return err
	}
	n, err := s.store.Count(ctx)
	if err != nil {
		return err
	}
	if n >= s.cfg.MaxSessions {
		return fmt.Errorf("%w: limit of %d reached", ErrTooManySessions, s.cfg.MaxSessions)
	}
	return nil
}

func isContextErr(err error) bool {
	return !errors.Is(err, session.ErrStorage) &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
