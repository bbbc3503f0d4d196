// Package handler is the API Gateway (Lambda proxy) transport of the
// conversation service. Clients carry the session id in the request body or
// the X-Session-Id header; every response echoes the id back.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"career-agent/internal/domain"
	"career-agent/internal/httpapi"
	"career-agent/internal/session"
	"career-agent/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerSessionID     = "X-Session-Id"
)

type ConversationService interface {
	Session(state session.ClientState) (string, error)
	Reset(state session.ClientState) (string, error)
	ValidateQuestion(question string) error
	Ask(ctx context.Context, in usecase.AskInput) (usecase.AskOutput, error)
}

type Handler struct {
	uc ConversationService
}

type askRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
}

type resetRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

type askResponse struct {
	SessionID    string          `json:"session_id"`
	Question     string          `json:"question"`
	ResponseHTML string          `json:"response_html"`
	Sources      []domain.Source `json:"sources,omitempty"`
	Persisted    bool            `json:"persisted"`
	Warning      string          `json:"warning,omitempty"`
}

type resetResponse struct {
	SessionID string `json:"session_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(uc ConversationService) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: conversation service must not be nil")
	}
	return &Handler{uc: uc}, nil
}

// Handle routes an API Gateway proxy event to /ask or /reset.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := slog.With("correlation_id", correlationID, "path", event.Path)

	if event.HTTPMethod != http.MethodPost {
		return respond(correlationID, nil, http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}

	switch strings.TrimSuffix(event.Path, "/") {
	case "/ask":
		return h.ask(ctx, logger, correlationID, event), nil
	case "/reset":
		return h.reset(logger, correlationID, event), nil
	default:
		return respond(correlationID, nil, http.StatusNotFound, errorResponse{Error: "NOT_FOUND"}), nil
	}
}

func (h *Handler) ask(ctx context.Context, logger *slog.Logger, correlationID string, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var req askRequest
	if err := decodeBody(event.Body, &req); err != nil {
		logger.Info("invalid request body", "err", err)
		return respondError(correlationID, nil, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_request", Err: err})
	}

	if err := h.uc.ValidateQuestion(req.Question); err != nil {
		return respondError(correlationID, nil, err)
	}

	state := newRequestState(req.SessionID, event.Headers)
	sessionID, err := h.uc.Session(state)
	if err != nil {
		return respondError(correlationID, state, err)
	}

	out, err := h.uc.Ask(ctx, usecase.AskInput{SessionID: sessionID, Question: req.Question})
	if err != nil {
		logger.Info("ask failed", "session_id", sessionID, "err", err)
		return respondError(correlationID, state, err)
	}
	return respond(correlationID, state, http.StatusOK, askResponse{
		SessionID:    out.SessionID,
		Question:     out.Question,
		ResponseHTML: out.ResponseHTML,
		Sources:      out.Sources,
		Persisted:    out.Persisted,
		Warning:      out.Warning,
	})
}

func (h *Handler) reset(logger *slog.Logger, correlationID string, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var req resetRequest
	if strings.TrimSpace(event.Body) != "" {
		if err := decodeBody(event.Body, &req); err != nil {
			logger.Info("invalid request body", "err", err)
			return respondError(correlationID, nil, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_request", Err: err})
		}
	}

	state := newRequestState(req.SessionID, event.Headers)
	id, err := h.uc.Reset(state)
	if err != nil {
		return respondError(correlationID, state, err)
	}
	return respond(correlationID, state, http.StatusOK, resetResponse{SessionID: id})
}

func decodeBody(body string, v any) error {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondError(correlationID string, state *requestState, err error) events.APIGatewayProxyResponse {
	code := usecase.ErrorInternal
	var usecaseErr *usecase.Error
	if errors.As(err, &usecaseErr) {
		code = usecaseErr.Code
	} else {
		slog.Error("unexpected handler error", "correlation_id", correlationID, "err", err)
	}
	return respond(correlationID, state, httpapi.StatusFor(code), errorResponse{Error: string(code)})
}

func respond(correlationID string, state *requestState, status int, body any) events.APIGatewayProxyResponse {
	headers := map[string]string{
		"Content-Type":      "application/json",
		headerCorrelationID: correlationID,
	}
	if state != nil {
		if id, ok := state.SessionID(); ok {
			headers[headerSessionID] = id
		}
	}
	b, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(b)}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// requestState is the session ClientState of a single Lambda invocation.
// The body field wins over the header.
type requestState struct {
	id string
}

func newRequestState(bodyID string, headers map[string]string) *requestState {
	id := strings.TrimSpace(bodyID)
	if id == "" {
		id = headerValue(headers, headerSessionID)
	}
	if _, err := uuid.Parse(id); err != nil {
		id = ""
	}
	return &requestState{id: id}
}

func (s *requestState) SessionID() (string, bool) {
	return s.id, s.id != ""
}

func (s *requestState) SetSessionID(id string) {
	s.id = id
}
