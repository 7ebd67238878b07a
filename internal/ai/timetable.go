package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// TimetableSlot is one class read off a timetable picture.
type TimetableSlot struct {
	Day     string `json:"day"`
	Time    string `json:"time"`
	Subject string `json:"subject"`
	Batch   string `json:"batch"`
}

const timetablePrompt = `Read the class timetable in this image.
Return ONLY a JSON array, one object per class:
[{"day": "Mon", "time": "10:00", "subject": "Maths", "batch": "CSDA"}]
Rules:
- day is one of Mon, Tue, Wed, Thu, Fri, Sat, Sun.
- time is the class start in 24h HH:MM.
- batch is "" when the image does not name one.
- No prose, no Markdown.`

// ReadTimetable sends the image to a vision capable model and parses the
// classes it lists.
func (c *Client) ReadTimetable(ctx context.Context, image []byte) ([]TimetableSlot, error) {
	dataURL := "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: timetablePrompt},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURL,
						Detail: openai.ImageURLDetailHigh,
					}},
				},
			},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read timetable: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from AI")
	}
	return parseTimetable(resp.Choices[0].Message.Content)
}

func parseTimetable(text string) ([]TimetableSlot, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimPrefix(strings.TrimPrefix(text, "json"), "JSON")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	var slots []TimetableSlot
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &slots); err != nil {
		return nil, fmt.Errorf("AI returned an unreadable timetable: %w", err)
	}
	return slots, nil
}
