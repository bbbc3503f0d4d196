// Package transcript implements the append policy for session transcripts.
package transcript

import (
	"time"

	"career-agent/internal/domain"
)

// Merge returns existing with a new turn appended at the end.
//
// The returned transcript never shares a backing array with existing, so a
// retried read-merge-write never observes turns appended by an earlier attempt.
// Version is carried over unchanged: it is the base the conditional write is
// checked against.
func Merge(existing domain.Transcript, sessionID, question, response string, now time.Time) domain.Transcript {
	now = now.UTC()
	turns := make([]domain.Turn, len(existing.Turns), len(existing.Turns)+1)
	copy(turns, existing.Turns)
	turns = append(turns, domain.Turn{
		Question:  question,
		Response:  response,
		Timestamp: now,
	})

	if existing.SessionID != "" {
		sessionID = existing.SessionID
	}
	return domain.Transcript{
		SessionID: sessionID,
		Turns:     turns,
		Version:   existing.Version,
		UpdatedAt: now,
	}
}

// Window returns at most the last n turns of t in chronological order.
// A non-positive n returns every turn.
func Window(t domain.Transcript, n int) []domain.Turn {
	if n <= 0 || len(t.Turns) <= n {
		return t.Turns
	}
	return t.Turns[len(t.Turns)-n:]
}
