package usecase

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"career-agent/internal/domain"
	"career-agent/internal/render"
	"career-agent/internal/session"
	"career-agent/internal/transcript"
)

const (
	defaultMaxQuestion     = 1000
	defaultHistoryTurns    = 10
	defaultPersistAttempts = 3
	defaultUpstreamTimeout = 60 * time.Second
	defaultStorageTimeout  = 5 * time.Second
	defaultSpeechTimeout   = 30 * time.Second
	defaultLanguage        = "pt-BR"

	// WarningNotPersisted is returned with answers whose turn could not be stored.
	WarningNotPersisted = "the answer was not saved to the conversation history"
)

type Answerer interface {
	Answer(ctx context.Context, question string, history []domain.Turn) (domain.Answer, error)
}

type TranscriptStore interface {
	Read(ctx context.Context, sessionID string) (domain.Transcript, bool, error)
	Write(ctx context.Context, t domain.Transcript) (domain.Transcript, error)
}

type Renderer interface {
	HTML(source string) (string, error)
}

type SpeechToText interface {
	Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error)
}

type TextToSpeech interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

type AudioStore interface {
	Save(ctx context.Context, clip []byte) (string, error)
}

// Observer receives turn outcomes, typically for metrics.
type Observer interface {
	TurnAnswered(persisted bool)
	PersistConflict()
	Failure(code string)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type Dependencies struct {
	Answerer Answerer
	Store    TranscriptStore
	Renderer Renderer
	Sessions *session.Manager

	// Optional. Voice features fail with ErrorSpeechService when unset.
	SpeechToText SpeechToText
	TextToSpeech TextToSpeech
	Audio        AudioStore

	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

type Config struct {
	MaxQuestionLength int
	HistoryTurns      int
	PersistAttempts   int
	UpstreamTimeout   time.Duration
	StorageTimeout    time.Duration
	SpeechTimeout     time.Duration
	Language          string
	Voice             string
}

func (c Config) withDefaults() Config {
	if c.MaxQuestionLength <= 0 {
		c.MaxQuestionLength = defaultMaxQuestion
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = defaultHistoryTurns
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = defaultPersistAttempts
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = defaultUpstreamTimeout
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = defaultStorageTimeout
	}
	if c.SpeechTimeout <= 0 {
		c.SpeechTimeout = defaultSpeechTimeout
	}
	if strings.TrimSpace(c.Language) == "" {
		c.Language = defaultLanguage
	}
	return c
}

// ConversationService runs the turn protocol shared by every transport:
// answer the question, then append the turn to the session transcript with
// conditional writes. Storage failures never block the answer.
type ConversationService struct {
	answerer Answerer
	store    TranscriptStore
	renderer Renderer
	sessions *session.Manager
	stt      SpeechToText
	tts      TextToSpeech
	audio    AudioStore
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	cfg      Config
}

type AskInput struct {
	SessionID string
	Question  string
}

type AskOutput struct {
	SessionID    string
	Question     string
	ResponseHTML string
	AnswerText   string
	Sources      []domain.Source
	Persisted    bool
	Warning      string
}

type AskAudioOutput struct {
	AskOutput
	AudioFile string
}

type TranscribeInput struct {
	SessionID string
	Audio     []byte
	Filename  string
}

func NewConversationService(deps Dependencies, cfg Config) (*ConversationService, error) {
	if deps.Answerer == nil {
		return nil, errors.New("usecase: answerer must not be nil")
	}
	if deps.Store == nil {
		return nil, errors.New("usecase: transcript store must not be nil")
	}
	if deps.Renderer == nil {
		return nil, errors.New("usecase: renderer must not be nil")
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewManager()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &ConversationService{
		answerer: deps.Answerer,
		store:    deps.Store,
		renderer: deps.Renderer,
		sessions: deps.Sessions,
		stt:      deps.SpeechToText,
		tts:      deps.TextToSpeech,
		audio:    deps.Audio,
		observer: deps.Observer,
		logger:   deps.Logger,
		now:      deps.Now,
		cfg:      cfg.withDefaults(),
	}, nil
}

// Session returns the session id held by state, issuing one when absent.
func (s *ConversationService) Session(state session.ClientState) (string, error) {
	id, err := s.sessions.GetOrCreate(state)
	if err != nil {
		return "", s.fail(newError(ErrorInternal, "session_id_error", err))
	}
	return id, nil
}

// Reset binds state to a brand-new session. The previous transcript is kept.
func (s *ConversationService) Reset(state session.ClientState) (string, error) {
	var prev string
	if state != nil {
		prev, _ = state.SessionID()
	}
	id, err := s.sessions.Reset(state)
	if err != nil {
		return "", s.fail(newError(ErrorInternal, "session_id_error", err))
	}
	s.logger.Info("session reset", "previous_session_id", prev, "session_id", id)
	return id, nil
}

// ValidateQuestion applies the question checks of Ask without side effects.
// Transports call it before resolving a session so a rejected request never
// issues one.
func (s *ConversationService) ValidateQuestion(question string) error {
	if verr := s.checkQuestion(strings.TrimSpace(question)); verr != nil {
		return s.fail(verr)
	}
	return nil
}

func (s *ConversationService) checkQuestion(question string) *Error {
	if question == "" {
		return newError(ErrorInvalidInput, "empty_question", nil)
	}
	if utf8.RuneCountInString(question) > s.cfg.MaxQuestionLength {
		return newError(ErrorInvalidInput, "question_too_long", nil)
	}
	return nil
}

// Ask answers a question and records the turn under in.SessionID.
func (s *ConversationService) Ask(ctx context.Context, in AskInput) (AskOutput, error) {
	question := strings.TrimSpace(in.Question)
	if verr := s.checkQuestion(question); verr != nil {
		return AskOutput{}, s.fail(verr)
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return AskOutput{}, s.fail(newError(ErrorInvalidInput, "missing_session_id", nil))
	}

	history := s.readHistory(ctx, sessionID)

	upstreamCtx, cancel := context.WithTimeout(ctx, s.cfg.UpstreamTimeout)
	answer, err := s.answerer.Answer(upstreamCtx, question, transcript.Window(history, s.cfg.HistoryTurns))
	cancel()
	if err != nil {
		return AskOutput{}, s.fail(upstreamError("answer", err))
	}

	html, err := s.renderer.HTML(answer.Text)
	if err != nil {
		return AskOutput{}, s.fail(newError(ErrorInternal, "render_error", err))
	}

	// The turn outlives a client that hangs up after the answer is ready.
	persisted := s.persist(context.WithoutCancel(ctx), sessionID, question, html)
	s.observer.TurnAnswered(persisted)

	out := AskOutput{
		SessionID:    sessionID,
		Question:     question,
		ResponseHTML: render.WithReferences(html, answer.Sources),
		AnswerText:   answer.Text,
		Sources:      answer.Sources,
		Persisted:    persisted,
	}
	if !persisted {
		out.Warning = WarningNotPersisted
	}
	return out, nil
}

// AskWithAudio answers like Ask and also synthesizes the answer to speech.
// A synthesis failure is reported after the turn has already been recorded.
func (s *ConversationService) AskWithAudio(ctx context.Context, in AskInput) (AskAudioOutput, error) {
	if s.tts == nil || s.audio == nil {
		return AskAudioOutput{}, s.fail(newError(ErrorSpeechService, "synthesis_unavailable", nil))
	}
	out, err := s.Ask(ctx, in)
	if err != nil {
		return AskAudioOutput{}, err
	}

	speechCtx, cancel := context.WithTimeout(ctx, s.cfg.SpeechTimeout)
	defer cancel()
	clip, err := s.tts.Synthesize(speechCtx, out.AnswerText, s.cfg.Voice)
	if err != nil {
		return AskAudioOutput{}, s.fail(newError(ErrorSpeechService, "synthesis_error", err))
	}
	name, err := s.audio.Save(speechCtx, clip)
	if err != nil {
		return AskAudioOutput{}, s.fail(newError(ErrorInternal, "audio_store_error", err))
	}
	return AskAudioOutput{AskOutput: out, AudioFile: name}, nil
}

// TranscribeAndAsk converts recorded speech to text and asks it as a question.
func (s *ConversationService) TranscribeAndAsk(ctx context.Context, in TranscribeInput) (AskOutput, error) {
	if len(in.Audio) == 0 {
		return AskOutput{}, s.fail(newError(ErrorInvalidInput, "missing_audio", nil))
	}
	if s.stt == nil {
		return AskOutput{}, s.fail(newError(ErrorSpeechService, "transcription_unavailable", nil))
	}

	speechCtx, cancel := context.WithTimeout(ctx, s.cfg.SpeechTimeout)
	text, err := s.stt.Transcribe(speechCtx, in.Audio, in.Filename, s.cfg.Language)
	cancel()
	if errors.Is(err, domain.ErrSpeechUnintelligible) {
		return AskOutput{}, s.fail(newError(ErrorSpeechUnintelligible, "speech_unintelligible", err))
	}
	if err != nil {
		return AskOutput{}, s.fail(newError(ErrorSpeechService, "transcription_error", err))
	}
	if strings.TrimSpace(text) == "" {
		return AskOutput{}, s.fail(newError(ErrorSpeechUnintelligible, "speech_unintelligible", nil))
	}

	return s.Ask(ctx, AskInput{SessionID: in.SessionID, Question: text})
}

func (s *ConversationService) readHistory(ctx context.Context, sessionID string) domain.Transcript {
	storageCtx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()
	t, _, err := s.store.Read(storageCtx, sessionID)
	if err != nil {
		s.logger.Warn("transcript read failed, answering without history", "session_id", sessionID, "err", err)
		return domain.Transcript{}
	}
	return t
}

// persist appends the turn with a read-merge-conditional-write loop, retrying
// only when another writer advanced the transcript first.
func (s *ConversationService) persist(ctx context.Context, sessionID, question, response string) bool {
	var err error
	for attempt := 1; attempt <= s.cfg.PersistAttempts; attempt++ {
		if err = s.appendTurn(ctx, sessionID, question, response); err == nil {
			return true
		}
		if !errors.Is(err, domain.ErrStorageConflict) {
			break
		}
		s.observer.PersistConflict()
		s.logger.Debug("transcript write conflict", "session_id", sessionID, "attempt", attempt)
	}
	s.logger.Warn("turn not persisted", "session_id", sessionID, "err", err)
	return false
}

func (s *ConversationService) appendTurn(ctx context.Context, sessionID, question, response string) error {
	readCtx, cancelRead := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	existing, _, err := s.store.Read(readCtx, sessionID)
	cancelRead()
	if err != nil {
		return err
	}

	merged := transcript.Merge(existing, sessionID, question, response, s.now())

	writeCtx, cancelWrite := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancelWrite()
	_, err = s.store.Write(writeCtx, merged)
	return err
}

func (s *ConversationService) fail(err *Error) *Error {
	s.observer.Failure(string(err.Code))
	if err.Code == ErrorInternal || err.Code == ErrorUpstream || err.Code == ErrorSpeechService {
		s.logger.Error("request failed", "code", err.Code, "reason", err.Reason, "err", err.Err)
	}
	return err
}

func upstreamError(op string, err error) *Error {
	if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
		return newError(ErrorRateLimited, op+"_rate_limited", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorUpstream, op+"_timeout", err)
	}
	return newError(ErrorUpstream, op+"_error", err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

type nopObserver struct{}

func (nopObserver) TurnAnswered(bool) {}
func (nopObserver) PersistConflict()  {}
func (nopObserver) Failure(string)    {}
