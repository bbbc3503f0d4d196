package domain

import (
	"errors"
	"time"
)

var (
	// ErrStorageUnavailable reports that the transcript store could not be reached,
	// throttled the call, or timed out.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrStorageConflict reports that a conditional write lost to a concurrent writer.
	ErrStorageConflict = errors.New("storage conflict")
	// ErrSpeechUnintelligible reports that speech recognition produced no text.
	ErrSpeechUnintelligible = errors.New("speech unintelligible")
)

// Turn is one accepted question/response exchange. Turns are never mutated
// after creation.
type Turn struct {
	Question  string    `json:"question" dynamodbav:"question"`
	Response  string    `json:"response" dynamodbav:"response"`
	Timestamp time.Time `json:"timestamp" dynamodbav:"timestamp"`
}

// Transcript is the durable, ordered turn history of one session.
//
// Version is the optimistic concurrency token: the number of turns the store
// held when the transcript was read. Zero means nothing has been stored yet. A
// write succeeds only if the store still holds Version turns, and the stored
// version then becomes len(Turns).
type Transcript struct {
	SessionID string    `json:"sessionId"`
	Turns     []Turn    `json:"turns"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}
