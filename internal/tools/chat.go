package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rahul/concierge/internal/store"
)

// Messenger delivers text to a chat on the active gateway.
type Messenger interface {
	Send(chatID string, text string) error
}

type ChatTool struct {
	Messenger Messenger
}

func NewChatTool(m Messenger) *ChatTool {
	return &ChatTool{Messenger: m}
}

func (c *ChatTool) Name() string         { return "chat.send" }
func (c *ChatTool) Kind() store.StepKind { return store.KindWrite }
func (c *ChatTool) Description() string {
	return "Post a message to a chat. chat_id defaults to the current conversation."
}

func (c *ChatTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"chat_id": map[string]any{"type": "string"},
			"text":    map[string]any{"type": "string"},
		},
		"required": []string{"text"},
	}
}

func (c *ChatTool) Preview(params map[string]any) string {
	target := stringParam(params, "chat_id")
	if target == "" {
		target = "this chat"
	}
	return fmt.Sprintf("Post to %s:\n%s", target, stringParam(params, "text"))
}

func (c *ChatTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", InvalidInput("%v", err)
	}
	if args.Text == "" {
		return "", InvalidInput("text is required")
	}
	if args.ChatID == "" {
		auth, ok := AuthFrom(ctx)
		if !ok {
			return "", fmt.Errorf("missing session in context")
		}
		args.ChatID = auth.SessionID
	}
	if c.Messenger == nil {
		return "", fmt.Errorf("no chat gateway is running")
	}
	if err := c.Messenger.Send(args.ChatID, args.Text); err != nil {
		return "", fmt.Errorf("failed to post message: %w", err)
	}
	return fmt.Sprintf("Message posted to %s.", args.ChatID), nil
}
