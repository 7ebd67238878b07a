package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

type Client struct {
	client *openai.Client
	model  string
}

func New(apiKey, baseURL, model string) *Client {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// Announcement is what the model is told about one class.
type Announcement struct {
	Batch   string
	Subject string
	When    string // e.g. "Tuesday, 20 October at 10:00"
	Link    string
}

const announcementPrompt = `You write short, upbeat class reminders for a student chat group.
Rules:
- Plain text only. No HTML, no Markdown, no code blocks.
- At most 3 short lines. One or two emoji are fine.
- Mention the subject and the time exactly as given.
- Do not invent links, room numbers or teachers.`

// GenerateAnnouncement asks the model for an announcement body. The result
// is plain text; callers escape it before sending.
func (c *Client) GenerateAnnouncement(ctx context.Context, a Announcement) (string, error) {
	var b strings.Builder
	if a.Batch != "" {
		fmt.Fprintf(&b, "Batch: %s\n", a.Batch)
	}
	fmt.Fprintf(&b, "Subject: %s\nTime: %s\n", a.Subject, a.When)
	if a.Link != "" {
		b.WriteString("A join link will be attached below your text.\n")
	}

	text, err := c.GenerateResponse(ctx, announcementPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("failed to generate announcement: %w", err)
	}
	text = strings.TrimSpace(strings.Trim(strings.TrimSpace(text), "`"))
	if text == "" {
		return "", fmt.Errorf("empty announcement from AI")
	}
	return text, nil
}

func (c *Client) GenerateResponse(ctx context.Context, systemMsg, userMsg string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemMsg,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: userMsg,
			},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from AI")
	}

	return resp.Choices[0].Message.Content, nil
}
