package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"career-agent/internal/audio"
	"career-agent/internal/domain"
	"career-agent/internal/usecase"
)

type askRequest struct {
	Question string `json:"question"`
}

type resetResponse struct {
	SessionID string `json:"session_id"`
}

type askResponse struct {
	SessionID    string          `json:"session_id"`
	Question     string          `json:"question"`
	ResponseHTML string          `json:"response_html"`
	Sources      []domain.Source `json:"sources,omitempty"`
	Persisted    bool            `json:"persisted"`
	Warning      string          `json:"warning,omitempty"`
	AudioURL     string          `json:"audio_url,omitempty"`
}

type transcribeResponse struct {
	Question  string `json:"question"`
	Response  string `json:"response"`
	Persisted bool   `json:"persisted"`
	Warning   string `json:"warning,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.Reset(s.clientState(w, r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{SessionID: id})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	in, ok := s.askInput(w, r)
	if !ok {
		return
	}
	out, err := s.svc.Ask(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAskResponse(out))
}

func (s *Server) handleAskAudio(w http.ResponseWriter, r *http.Request) {
	in, ok := s.askInput(w, r)
	if !ok {
		return
	}
	out, err := s.svc.AskWithAudio(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := toAskResponse(out.AskOutput)
	// The timestamp defeats browser caching of earlier clips.
	resp.AudioURL = fmt.Sprintf("/audio/%s?%d", out.AudioFile, s.now().Unix())
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTranscribeAndAsk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBody)
	file, header, err := r.FormFile("audio")
	if err != nil {
		s.writeError(w, r, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_audio", Err: err})
		return
	}
	defer file.Close()

	clip, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "unreadable_audio", Err: err})
		return
	}

	sessionID, err := s.svc.Session(s.clientState(w, r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.svc.TranscribeAndAsk(r.Context(), usecase.TranscribeInput{
		SessionID: sessionID,
		Audio:     clip,
		Filename:  path.Base(header.Filename),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transcribeResponse{
		Question:  out.Question,
		Response:  out.ResponseHTML,
		Persisted: out.Persisted,
		Warning:   out.Warning,
	})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "file")
	rc, err := s.audio.Open(r.Context(), name)
	switch {
	case errors.Is(err, audio.ErrInvalidName):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput)})
		return
	case errors.Is(err, audio.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "NOT_FOUND"})
		return
	case err != nil:
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", audio.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("audio stream interrupted", "file", name, "err", err)
	}
}

// askInput decodes and validates the question from a JSON or form body, then
// resolves the session, issuing one when the client has none.
func (s *Server) askInput(w http.ResponseWriter, r *http.Request) (usecase.AskInput, bool) {
	question, err := decodeQuestion(w, r)
	if err != nil {
		s.writeError(w, r, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_request", Err: err})
		return usecase.AskInput{}, false
	}
	if err := s.svc.ValidateQuestion(question); err != nil {
		s.writeError(w, r, err)
		return usecase.AskInput{}, false
	}
	sessionID, err := s.svc.Session(s.clientState(w, r))
	if err != nil {
		s.writeError(w, r, err)
		return usecase.AskInput{}, false
	}
	return usecase.AskInput{SessionID: sessionID, Question: question}, true
}

func decodeQuestion(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req askRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return "", fmt.Errorf("decode body: %w", err)
		}
		return req.Question, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", fmt.Errorf("parse form: %w", err)
	}
	if _, ok := r.PostForm["question"]; !ok {
		return "", errors.New("question field is required")
	}
	return strings.TrimSpace(r.PostForm.Get("question")), nil
}

func toAskResponse(out usecase.AskOutput) askResponse {
	return askResponse{
		SessionID:    out.SessionID,
		Question:     out.Question,
		ResponseHTML: out.ResponseHTML,
		Sources:      out.Sources,
		Persisted:    out.Persisted,
		Warning:      out.Warning,
	}
}
