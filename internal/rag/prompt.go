package rag

import (
	"fmt"
	"strings"

	"career-agent/internal/domain"
)

type promptContext struct {
	systemPrompt string
	documents    []domain.Document
}

type historyTurn struct {
	question string
	answer   string
}

func buildPromptMessages(ctx promptContext, question string, history []historyTurn) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: buildPolicyPrompt(ctx.systemPrompt)},
		{Role: domain.RoleSystem, Content: buildContextPrompt(ctx.documents)},
	}

	for _, h := range history {
		messages = append(messages, historyToPromptMessages(h)...)
	}

	messages = append(messages, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: question,
	})
	return messages
}

func buildPolicyPrompt(systemPrompt string) string {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}
	return strings.Join([]string{
		strings.TrimSpace(systemPrompt),
		"",
		"Behavior Rules:",
		behaviorRules(),
	}, "\n")
}

func buildContextPrompt(docs []domain.Document) string {
	if len(docs) == 0 {
		return "Knowledge Base Context:\n(no relevant passages were found)"
	}
	parts := make([]string, 0, len(docs))
	for i, d := range docs {
		parts = append(parts, fmt.Sprintf("[%d] %s", i+1, normalizePromptInput(d.Content)))
	}
	return "Knowledge Base Context:\n" + strings.Join(parts, "\n\n")
}

func historyToPromptMessages(h historyTurn) []domain.ChatMessage {
	question := strings.TrimSpace(h.question)
	answer := strings.TrimSpace(h.answer)
	if question == "" || answer == "" {
		return nil
	}
	return []domain.ChatMessage{
		{Role: domain.RoleUser, Content: question},
		{Role: domain.RoleAssistant, Content: answer},
	}
}

const defaultSystemPrompt = "You are a career guidance assistant. You help people plan their careers, " +
	"choose courses and prepare for the job market."

func behaviorRules() string {
	return strings.Join([]string{
		"1) Answer only the current user question.",
		"2) Prefer the knowledge base context when it is relevant.",
		"3) Use the previous turns of this conversation to resolve references.",
		"4) Reply in the language of the question.",
		"5) Format the answer as markdown.",
		"6) If the context does not cover the question, say so instead of guessing.",
	}, "\n")
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
