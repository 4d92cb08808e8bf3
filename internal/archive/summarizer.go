package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/sidekick-labs/sidekick/internal/llm"
)

const summarySystemPrompt = `You summarize an assistant's completed working session. ` +
	`Write a compact summary covering: what the user needed, what actions were taken ` +
	`(including tool calls and their outcomes), and the final result. Keep it under 200 words.`

// maxTranscriptChars bounds the summary prompt; older turns are
// elided from the middle when a transcript exceeds it.
const maxTranscriptChars = 60000

// Summarizer produces archive summaries through the summarize route.
type Summarizer struct {
	svc caller
}

type caller interface {
	Call(ctx context.Context, req llm.CallRequest) (*llm.ChatResponse, error)
}

// NewSummarizer wraps an LLM service.
func NewSummarizer(svc caller) *Summarizer {
	return &Summarizer{svc: svc}
}

// Summarize renders the transcript and asks the model for a summary.
func (s *Summarizer) Summarize(ctx context.Context, messages []llm.Message) (string, error) {
	transcript := renderTranscript(messages)
	if transcript == "" {
		return "", nil
	}

	resp, err := s.svc.Call(ctx, llm.CallRequest{
		UseCase: llm.UseCaseSummarize,
		System:  summarySystemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: transcript},
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive: summarize: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func renderTranscript(messages []llm.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		switch {
		case msg.ToolResult != nil:
			status := "ok"
			if msg.ToolResult.IsError {
				status = "error"
			}
			fmt.Fprintf(&b, "[tool result %s (%s)] %s\n",
				msg.ToolResult.ToolUseID, status, msg.ToolResult.Content)
		case len(msg.ToolCalls) > 0:
			if msg.Content != "" {
				fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Content)
			}
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(&b, "[tool call %s] %s\n", call.ID, call.Name)
			}
		case msg.Content != "":
			fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Content)
		}
	}

	out := b.String()
	if len(out) > maxTranscriptChars {
		half := maxTranscriptChars / 2
		out = out[:half] + "\n[... earlier turns elided ...]\n" + out[len(out)-half:]
	}
	return out
}
