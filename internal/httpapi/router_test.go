package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"career-agent/internal/audio"
	"career-agent/internal/domain"
	"career-agent/internal/observability"
	"career-agent/internal/render"
	"career-agent/internal/repository"
	"career-agent/internal/session"
	"career-agent/internal/usecase"
)

type echoAnswerer struct{}

func (echoAnswerer) Answer(_ context.Context, question string, history []domain.Turn) (domain.Answer, error) {
	return domain.Answer{Text: "answer to " + question, Sources: []domain.Source{{Name: "guide", URL: "s3://kb/guide.txt"}}}, nil
}

type fakeSTT struct{ text string }

func (f fakeSTT) Transcribe(context.Context, []byte, string, string) (string, error) {
	return f.text, nil
}

type fakeTTS struct{}

func (fakeTTS) Synthesize(context.Context, string, string) ([]byte, error) {
	return []byte("ID3-mp3"), nil
}

type testEnv struct {
	handler http.Handler
	store   *repository.RedisStore
	clips   *audio.DirStore
	metrics *observability.Metrics
}

var fixedNow = time.Unix(1700000000, 0)

func newTestEnv(t *testing.T, limiter *RateLimiter) *testEnv {
	t.Helper()
	return newTestEnvWith(t, func(o *Options) { o.Limiter = limiter })
}

func newTestEnvWith(t *testing.T, configure func(*Options)) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	store := repository.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	t.Cleanup(func() { _ = store.Close() })

	clips, err := audio.NewDirStore(t.TempDir())
	require.NoError(t, err)

	metrics := observability.NewMetrics()
	svc, err := usecase.NewConversationService(usecase.Dependencies{
		Answerer:     echoAnswerer{},
		Store:        store,
		Renderer:     render.New(),
		SpeechToText: fakeSTT{text: "Quais cursos?"},
		TextToSpeech: fakeTTS{},
		Audio:        clips,
		Observer:     metrics,
	}, usecase.Config{})
	require.NoError(t, err)

	opts := Options{
		Service: svc,
		Audio:   clips,
		Metrics: metrics,
		Now:     func() time.Time { return fixedNow },
	}
	configure(&opts)
	h, err := NewRouter(opts)
	require.NoError(t, err)
	return &testEnv{handler: h, store: store, clips: clips, metrics: metrics}
}

func (e *testEnv) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func formRequest(target string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func jsonRequest(target, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", SessionCookieName)
	return nil
}

func parseBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNewRouter_ValidatesDependencies(t *testing.T) {
	_, err := NewRouter(Options{})
	require.Error(t, err)

	_, err = NewRouter(Options{Service: &stubService{}})
	require.Error(t, err)
}

func TestAsk_IssuesSessionAndAccumulatesTurns(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.do(formRequest("/ask", url.Values{"question": {"What is your state?"}}))
	require.Equal(t, http.StatusOK, first.Code)
	cookie := sessionCookie(t, first)
	require.True(t, cookie.HttpOnly)

	out := parseBody[askResponse](t, first)
	require.Equal(t, cookie.Value, out.SessionID)
	require.Equal(t, "What is your state?", out.Question)
	require.Contains(t, out.ResponseHTML, "answer to What is your state?")
	require.True(t, out.Persisted)
	require.Equal(t, []domain.Source{{Name: "guide", URL: "s3://kb/guide.txt"}}, out.Sources)

	second := env.do(jsonRequest("/ask", `{"question":"New York"}`), cookie)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, cookie.Value, parseBody[askResponse](t, second).SessionID)

	stored, ok, err := env.store.Read(context.Background(), cookie.Value)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, stored.Turns, 2)
	require.Equal(t, "What is your state?", stored.Turns[0].Question)
	require.Equal(t, "New York", stored.Turns[1].Question)
}

func TestReset_IssuesNewSessionAndKeepsOldTranscript(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.do(formRequest("/ask", url.Values{"question": {"hello"}}))
	oldCookie := sessionCookie(t, first)

	reset := env.do(httptest.NewRequest(http.MethodPost, "/reset", nil), oldCookie)
	require.Equal(t, http.StatusOK, reset.Code)
	newCookie := sessionCookie(t, reset)
	require.NotEqual(t, oldCookie.Value, newCookie.Value)
	require.Equal(t, newCookie.Value, parseBody[resetResponse](t, reset).SessionID)

	old, ok, err := env.store.Read(context.Background(), oldCookie.Value)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, old.Turns, 1)

	_, ok, err = env.store.Read(context.Background(), newCookie.Value)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAsk_TamperedCookieStartsNewSession(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(formRequest("/ask", url.Values{"question": {"hi"}}), &http.Cookie{Name: SessionCookieName, Value: "../../admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEqual(t, "../../admin", sessionCookie(t, rec).Value)
}

func TestAsk_MalformedRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []*http.Request{
		jsonRequest("/ask", `not-json`),
		jsonRequest("/ask", `{"question":"hi","extra":1}`),
		formRequest("/ask", url.Values{"other": {"x"}}),
		formRequest("/ask", url.Values{"question": {"   "}}),
		jsonRequest("/ask", `{"question":"  "}`),
		formRequest("/ask", url.Values{"question": {strings.Repeat("é", 1001)}}),
		formRequest("/ask-audio", url.Values{"question": {"   "}}),
	}
	for _, req := range cases {
		rec := env.do(req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, string(usecase.ErrorInvalidInput), parseBody[errorResponse](t, rec).Error)
		require.Empty(t, rec.Result().Cookies(), "a rejected request must not issue a session")
	}
}

func TestAskAudio_ReturnsPlayableClip(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(formRequest("/ask-audio", url.Values{"question": {"hello"}}))
	require.Equal(t, http.StatusOK, rec.Code)
	out := parseBody[askResponse](t, rec)
	require.True(t, strings.HasPrefix(out.AudioURL, "/audio/"))
	require.True(t, strings.HasSuffix(out.AudioURL, ".mp3?1700000000"))

	clip := env.do(httptest.NewRequest(http.MethodGet, strings.TrimSuffix(out.AudioURL, "?1700000000"), nil))
	require.Equal(t, http.StatusOK, clip.Code)
	require.Equal(t, audio.ContentType, clip.Header().Get("Content-Type"))
	require.Equal(t, "ID3-mp3", clip.Body.String())
}

func TestAudio_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/audio/0f8fad5b-d9cb-469f-a165-70867728950e.mp3", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/audio/response.mp3", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func multipartRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/transcribe-and-ask", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestTranscribeAndAsk(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(multipartRequest(t, "audio", "question.wav", []byte("RIFF")))
	require.Equal(t, http.StatusOK, rec.Code)
	out := parseBody[transcribeResponse](t, rec)
	require.Equal(t, "Quais cursos?", out.Question)
	require.Contains(t, out.Response, "answer to Quais cursos?")

	stored, ok, err := env.store.Read(context.Background(), sessionCookie(t, rec).Value)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, stored.Turns, 1)
}

func TestTranscribeAndAsk_MissingFile(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(multipartRequest(t, "", "", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, string(usecase.ErrorInvalidInput), parseBody[errorResponse](t, rec).Error)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, NewRateLimiter(0.001, 1))

	rec := env.do(formRequest("/ask", url.Values{"question": {"one"}}))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(formRequest("/ask", url.Values{"question": {"two"}}))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, string(usecase.ErrorRateLimited), parseBody[errorResponse](t, rec).Error)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func forwardedAsk(question, forwardedFor string) *http.Request {
	req := formRequest("/ask", url.Values{"question": {question}})
	req.Header.Set("X-Forwarded-For", forwardedFor)
	return req
}

func TestRateLimit_IgnoresForwardedForByDefault(t *testing.T) {
	env := newTestEnv(t, NewRateLimiter(0.001, 1))

	rec := env.do(forwardedAsk("one", "203.0.113.1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(forwardedAsk("two", "203.0.113.2"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimit_TrustedProxyKeysOnForwardedFor(t *testing.T) {
	env := newTestEnvWith(t, func(o *Options) {
		o.Limiter = NewRateLimiter(0.001, 1)
		o.TrustProxy = true
	})

	rec := env.do(forwardedAsk("one", "203.0.113.1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(forwardedAsk("two", "203.0.113.2"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(forwardedAsk("three", "203.0.113.1"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(formRequest("/ask", url.Values{"question": {"one"}}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `career_agent_turns_total{persisted="true"} 1`)
	require.Contains(t, rec.Body.String(), `path="/ask"`)
}

type stubService struct {
	err error
}

func (s *stubService) Session(state session.ClientState) (string, error) {
	return session.NewManager().GetOrCreate(state)
}

func (s *stubService) Reset(session.ClientState) (string, error) {
	return "", s.err
}

func (s *stubService) ValidateQuestion(string) error {
	return nil
}

func (s *stubService) Ask(context.Context, usecase.AskInput) (usecase.AskOutput, error) {
	return usecase.AskOutput{}, s.err
}

func (s *stubService) AskWithAudio(context.Context, usecase.AskInput) (usecase.AskAudioOutput, error) {
	return usecase.AskAudioOutput{}, s.err
}

func (s *stubService) TranscribeAndAsk(context.Context, usecase.TranscribeInput) (usecase.AskOutput, error) {
	return usecase.AskOutput{}, s.err
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "unintelligible", err: &usecase.Error{Code: usecase.ErrorSpeechUnintelligible}, status: http.StatusBadRequest, code: string(usecase.ErrorSpeechUnintelligible)},
		{name: "speech service", err: &usecase.Error{Code: usecase.ErrorSpeechService}, status: http.StatusInternalServerError, code: string(usecase.ErrorSpeechService)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := NewRouter(Options{Service: &stubService{err: tc.err}, Audio: &audio.DirStore{}})
			require.NoError(t, err)

			for _, req := range []*http.Request{
				formRequest("/ask", url.Values{"question": {"q"}}),
				formRequest("/ask-audio", url.Values{"question": {"q"}}),
				httptest.NewRequest(http.MethodPost, "/reset", nil),
			} {
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, req)
				require.Equal(t, tc.status, rec.Code)
				require.Equal(t, tc.code, parseBody[errorResponse](t, rec).Error)
			}
		})
	}
}
