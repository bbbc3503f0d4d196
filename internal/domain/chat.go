package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// generation pipeline and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Source is a knowledge-base document cited by an answer.
type Source struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Answer is the output of the retrieval and generation pipeline.
type Answer struct {
	Text    string
	Sources []Source
}

// Document is a knowledge-base passage returned by retrieval.
type Document struct {
	Content  string
	Location string
}
