// Package httpapi is the browser-facing HTTP transport of the conversation
// service. The session id travels in a cookie.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"career-agent/internal/session"
	"career-agent/internal/usecase"
)

const (
	SessionCookieName = "career_agent_session"

	maxJSONBody  = 64 << 10
	maxAudioBody = 10 << 20
)

type ConversationService interface {
	Session(state session.ClientState) (string, error)
	Reset(state session.ClientState) (string, error)
	ValidateQuestion(question string) error
	Ask(ctx context.Context, in usecase.AskInput) (usecase.AskOutput, error)
	AskWithAudio(ctx context.Context, in usecase.AskInput) (usecase.AskAudioOutput, error)
	TranscribeAndAsk(ctx context.Context, in usecase.TranscribeInput) (usecase.AskOutput, error)
}

type AudioSource interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// MetricsRecorder instruments the router. Optional.
type MetricsRecorder interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

// Options configures NewRouter. With TrustProxy set the client address comes
// from X-Forwarded-For or X-Real-IP; otherwise the rate limiter keys on the
// connection's remote address.
type Options struct {
	Service      ConversationService
	Audio        AudioSource
	Metrics      MetricsRecorder
	Limiter      *RateLimiter
	Logger       *slog.Logger
	CookieSecure bool
	TrustProxy   bool
	Now          func() time.Time
}

type Server struct {
	svc          ConversationService
	audio        AudioSource
	logger       *slog.Logger
	cookieSecure bool
	now          func() time.Time
}

// NewRouter wires every route onto a chi router.
func NewRouter(opts Options) (http.Handler, error) {
	if opts.Service == nil {
		return nil, errors.New("httpapi: service must not be nil")
	}
	if opts.Audio == nil {
		return nil, errors.New("httpapi: audio source must not be nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		svc:          opts.Service,
		audio:        opts.Audio,
		logger:       opts.Logger,
		cookieSecure: opts.CookieSecure,
		now:          opts.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/audio/{file}", s.handleAudio)

	r.Group(func(r chi.Router) {
		if opts.Limiter != nil {
			r.Use(opts.Limiter.Middleware)
		}
		r.Post("/reset", s.handleReset)
		r.Post("/ask", s.handleAsk)
		r.Post("/ask-audio", s.handleAskAudio)
		r.Post("/transcribe-and-ask", s.handleTranscribeAndAsk)
	})
	return r, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		})
	}
}
