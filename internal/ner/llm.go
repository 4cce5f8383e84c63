package ner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/internal/pii"
	"github.com/openredact/clinical/pkg/logger"
)

const llmSystemPrompt = `Du bist ein Werkzeug zur Erkennung personenbezogener Daten in deutschen medizinischen Texten.

Finde alle Namen von Personen, Orte, Einrichtungen und sonstige identifizierende Angaben.
Medizinische Fachbegriffe, Diagnosen, Medikamente und Laborwerte sind keine personenbezogenen Daten.

Antworte ausschließlich mit gültigem JSON:
{
  "entities": [
    {"text": "exakter Textausschnitt", "label": "PERSON|LOCATION|ORGANIZATION|MISC"}
  ]
}

Regeln:
1. "text" muss zeichengenau im Eingabetext vorkommen
2. Jede Angabe nur einmal aufführen
3. Keine Erklärungen, nur JSON`

// LLM asks an OpenAI-compatible chat model for entities and locates each
// returned literal in the text.
type LLM struct {
	client *openai.Client
	config Config
	logger *zap.Logger
}

// NewLLM creates an LLM source. config.URL overrides the API base URL, for
// self-hosted endpoints.
func NewLLM(config Config, apiKey string, log *zap.Logger) *LLM {
	clientConfig := openai.DefaultConfig(apiKey)
	if config.URL != "" {
		clientConfig.BaseURL = config.URL
	}

	return &LLM{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger.OrNop(log).With(zap.String("ner_source", config.Name)),
	}
}

// Name returns the source tag.
func (l *LLM) Name() string { return l.config.Name }

type llmDetection struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

type llmResponse struct {
	Entities []llmDetection `json:"entities"`
}

// FindEntities returns one entity per non-overlapping occurrence of each
// detected literal.
func (l *LLM) FindEntities(ctx context.Context, text string) ([]models.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, l.config.timeout())
	defer cancel()

	resp, err := l.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: l.config.Model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: llmSystemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: text,
				},
			},
			Temperature: 0,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from LLM")
	}

	content := cleanJSONResponse(resp.Choices[0].Message.Content)

	var decoded llmResponse
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		l.logger.Error("failed to parse LLM response",
			zap.Int("content_length", len(content)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to parse LLM response: %w", err)
	}

	return l.locate(text, decoded.Entities), nil
}

func (l *LLM) locate(text string, detections []llmDetection) []models.Entity {
	seen := make(map[llmDetection]struct{}, len(detections))
	var out []models.Entity
	for _, d := range detections {
		d.Text = strings.TrimSpace(d.Text)
		if d.Text == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}

		found := 0
		for offset := 0; offset < len(text); {
			i := strings.Index(text[offset:], d.Text)
			if i < 0 {
				break
			}
			start := offset + i
			end := start + len(d.Text)
			if !wordBounded(text, start, end) {
				offset = start + 1
				continue
			}
			out = append(out, models.Entity{
				Text:   d.Text,
				Start:  start,
				End:    end,
				Label:  l.config.label(d.Label),
				Source: l.config.Name,
			})
			found++
			offset = end
		}
		if found == 0 {
			l.logger.Debug("LLM detection not found in text", zap.String("label", d.Label))
		}
	}
	return out
}

// cleanJSONResponse extracts JSON from markdown code blocks if present.
func cleanJSONResponse(content string) string {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```json") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimSuffix(content, "```")
	} else if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
	}

	return strings.TrimSpace(content)
}

// wordBounded rejects an occurrence that starts or ends inside a longer word,
// such as "Max" in "Maximaldosis".
func wordBounded(text string, start, end int) bool {
	if start > 0 {
		prev, _ := utf8.DecodeLastRuneInString(text[:start])
		first, _ := utf8.DecodeRuneInString(text[start:])
		if pii.IsWord(prev) && pii.IsWord(first) {
			return false
		}
	}
	if end < len(text) {
		last, _ := utf8.DecodeLastRuneInString(text[:end])
		next, _ := utf8.DecodeRuneInString(text[end:])
		if pii.IsWord(last) && pii.IsWord(next) {
			return false
		}
	}
	return true
}
