package conversations

import (
	"context"
	"strings"

	"github.com/hr-leavebot/server/internal/agent/model"

	"github.com/cloudwego/eino/schema"
)

type MessagesManager struct {
	conversationRepo model.ConversationRepository
	toolPreviewLen   int
}

func NewMessagesManager(conversationRepo model.ConversationRepository, config model.ConversationConfig) *MessagesManager {
	previewLen := config.History.ToolPreviewLen
	if previewLen <= 0 {
		previewLen = 100
	}
	return &MessagesManager{
		conversationRepo: conversationRepo,
		toolPreviewLen:   previewLen,
	}
}

// StartTurn loads the thread history and appends the new user question unless
// it is an identical re-submission of the trailing user message. The returned
// loadedCount marks how many messages came from the store; everything after
// that index is new this turn.
func (cm *MessagesManager) StartTurn(ctx context.Context, conversationID, query string) (messages []*schema.Message, loadedCount int, err error) {
	history, err := cm.conversationRepo.LoadHistory(ctx, conversationID)
	if err != nil {
		return nil, 0, err
	}

	messages = make([]*schema.Message, len(history.Messages))
	copy(messages, history.Messages)
	loadedCount = len(messages)

	if last := lastMessage(messages); last != nil && last.Role == schema.User && last.Content == query {
		// Re-submitted identical trailing question, do not duplicate.
		return messages, loadedCount, nil
	}

	messages = append(messages, schema.UserMessage(query))
	return messages, loadedCount, nil
}

// Commit persists this turn's transcript additions. Called by the runner only
// after a successful traversal, so a failed turn leaves the store untouched.
func (cm *MessagesManager) Commit(ctx context.Context, conversationID string, newMessages []*schema.Message) error {
	if len(newMessages) == 0 {
		return nil
	}
	return cm.conversationRepo.AppendMessages(ctx, conversationID, newMessages)
}

// FormatHistory renders the conversation as a compact string for the
// guardrail and rewrite prompts. The trailing user message is excluded since
// it is the question currently being processed; tool results are truncated to
// a bounded preview to limit prompt size.
func (cm *MessagesManager) FormatHistory(messages []*schema.Message) string {
	if last := lastMessage(messages); last != nil && last.Role == schema.User {
		messages = messages[:len(messages)-1]
	}

	var b strings.Builder
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.User:
			b.WriteString("Human: " + msg.Content + "\n")
		case schema.System:
			continue
		case schema.Tool:
			content := msg.Content
			if runes := []rune(content); len(runes) > cm.toolPreviewLen {
				content = string(runes[:cm.toolPreviewLen]) + "..."
			}
			b.WriteString("System (Tool Result): " + content + "\n")
		case schema.Assistant:
			if len(msg.ToolCalls) > 0 {
				names := make([]string, 0, len(msg.ToolCalls))
				for _, tc := range msg.ToolCalls {
					names = append(names, tc.Function.Name)
				}
				b.WriteString("AI (Action): 調用了工具 " + strings.Join(names, ", ") + "\n")
			}
			if msg.Content != "" {
				b.WriteString("AI: " + msg.Content + "\n")
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// LastAssistantText returns the content of the most recent assistant message
// that carries no pending tool calls, or "" when there is none.
func LastAssistantText(messages []*schema.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg == nil || msg.Role != schema.Assistant {
			continue
		}
		if len(msg.ToolCalls) > 0 {
			continue
		}
		if strings.TrimSpace(msg.Content) != "" {
			return msg.Content
		}
	}
	return ""
}

// SanitizeForModel drops assistant tool-call stubs whose calls never received
// a tool result (a turn that hit the tool-call limit leaves one behind).
// The stored transcript stays append-only; this only shapes the model payload.
func SanitizeForModel(messages []*schema.Message) []*schema.Message {
	answered := make(map[string]bool)
	for _, msg := range messages {
		if msg != nil && msg.Role == schema.Tool && msg.ToolCallID != "" {
			answered[msg.ToolCallID] = true
		}
	}

	out := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if msg.Role == schema.Assistant && len(msg.ToolCalls) > 0 {
			resolved := true
			for _, tc := range msg.ToolCalls {
				if !answered[tc.ID] {
					resolved = false
					break
				}
			}
			if !resolved {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

// ====================== Helper function ======================
func lastMessage(messages []*schema.Message) *schema.Message {
	if len(messages) == 0 {
		return nil
	}
	return messages[len(messages)-1]
}
