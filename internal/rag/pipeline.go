// Package rag answers questions by retrieving knowledge-base passages and
// asking a chat model to respond with that context and the session history.
package rag

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"career-agent/internal/domain"
)

type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]domain.Document, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type ParamGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// TextExtractor turns a stored (rendered) response back into plain text for
// use as prompt history.
type TextExtractor interface {
	PlainText(rendered string) string
}

type Config struct {
	// ParamPrefix enables loading the system prompt and model from
	// Parameter Store. Empty means Model and SystemPrompt are used as-is.
	ParamPrefix  string
	Model        string
	SystemPrompt string
}

type Pipeline struct {
	params    ParamGetter
	retriever Retriever
	llm       LLMClient
	text      TextExtractor
	prefix    string

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	model        string
	systemPrompt string
}

// NewPipeline creates a Pipeline. params may be nil when cfg.ParamPrefix is empty.
func NewPipeline(params ParamGetter, r Retriever, llm LLMClient, text TextExtractor, cfg Config) (*Pipeline, error) {
	if r == nil {
		return nil, errors.New("rag: retriever must not be nil")
	}
	if llm == nil {
		return nil, errors.New("rag: llm client must not be nil")
	}
	if text == nil {
		return nil, errors.New("rag: text extractor must not be nil")
	}
	prefix := strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if prefix != "" && params == nil {
		return nil, errors.New("rag: param getter must not be nil when a prefix is set")
	}
	p := &Pipeline{
		params:       params,
		retriever:    r,
		llm:          llm,
		text:         text,
		prefix:       prefix,
		model:        strings.TrimSpace(cfg.Model),
		systemPrompt: cfg.SystemPrompt,
	}
	if prefix == "" {
		if p.model == "" {
			return nil, errors.New("rag: model must not be empty")
		}
		p.cacheLoaded = true
	}
	return p, nil
}

// Answer retrieves context for question and generates a markdown answer.
// Errors from the retriever or model are returned wrapped so callers can
// inspect provider status codes.
func (p *Pipeline) Answer(ctx context.Context, question string, history []domain.Turn) (domain.Answer, error) {
	if err := p.ensureConfig(ctx); err != nil {
		return domain.Answer{}, err
	}

	docs, err := p.retriever.Retrieve(ctx, question)
	if err != nil {
		return domain.Answer{}, fmt.Errorf("rag: retrieve: %w", err)
	}

	p.cacheMu.RLock()
	model, systemPrompt := p.model, p.systemPrompt
	p.cacheMu.RUnlock()

	turns := make([]historyTurn, 0, len(history))
	for _, t := range history {
		turns = append(turns, historyTurn{question: t.Question, answer: p.text.PlainText(t.Response)})
	}

	text, err := p.llm.Chat(ctx, model, buildPromptMessages(
		promptContext{systemPrompt: systemPrompt, documents: docs},
		question,
		turns,
	))
	if err != nil {
		return domain.Answer{}, fmt.Errorf("rag: generate: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return domain.Answer{}, errors.New("rag: generate: empty answer")
	}
	return domain.Answer{Text: text, Sources: sourcesFrom(docs)}, nil
}

func (p *Pipeline) ensureConfig(ctx context.Context) error {
	p.cacheMu.RLock()
	if p.cacheLoaded {
		p.cacheMu.RUnlock()
		return nil
	}
	p.cacheMu.RUnlock()

	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	if p.cacheLoaded {
		return nil
	}

	promptName := p.prefix + "/system_prompt"
	modelName := p.prefix + "/config/model"
	vals, err := p.params.GetParameters(ctx, promptName, modelName)
	if err != nil {
		return fmt.Errorf("rag: load parameters: %w", err)
	}
	if model := strings.TrimSpace(vals[modelName]); model != "" {
		p.model = model
	}
	if p.model == "" {
		return errors.New("rag: load parameters: model is empty")
	}
	p.systemPrompt = vals[promptName]
	p.cacheLoaded = true
	return nil
}

// sourcesFrom lists the distinct document locations in retrieval order.
func sourcesFrom(docs []domain.Document) []domain.Source {
	seen := make(map[string]struct{}, len(docs))
	var out []domain.Source
	for _, d := range docs {
		if d.Location == "" {
			continue
		}
		if _, ok := seen[d.Location]; ok {
			continue
		}
		seen[d.Location] = struct{}{}
		out = append(out, domain.Source{Name: sourceName(d.Location), URL: d.Location})
	}
	return out
}

func sourceName(location string) string {
	return strings.TrimSuffix(path.Base(location), ".txt")
}

// NoRetriever answers from the model alone when no knowledge base is configured.
type NoRetriever struct{}

func (NoRetriever) Retrieve(context.Context, string) ([]domain.Document, error) {
	return nil, nil
}
