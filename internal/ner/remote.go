package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/pkg/logger"
)

// Remote calls a model sidecar over HTTP. The sidecar receives
// {"text": ...} and answers {"entities": [{text, start, end, label}]} with
// code-point offsets.
type Remote struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// NewRemote creates a remote source.
func NewRemote(config Config, log *zap.Logger) *Remote {
	return &Remote{
		config: config,
		client: &http.Client{Timeout: config.timeout()},
		logger: logger.OrNop(log).With(zap.String("ner_source", config.Name)),
	}
}

// Name returns the source tag.
func (r *Remote) Name() string { return r.config.Name }

type remoteRequest struct {
	Text string `json:"text"`
}

type remoteEntity struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Label string `json:"label"`
}

type remoteResponse struct {
	Entities []remoteEntity `json:"entities"`
}

// FindEntities posts text to the sidecar and converts its spans to byte
// offsets. Spans that do not reproduce their text are dropped.
func (r *Remote) FindEntities(ctx context.Context, text string) ([]models.Entity, error) {
	body, err := json.Marshal(remoteRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ner request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ner service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var decoded remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode ner response: %w", err)
	}

	offsets := newRuneOffsets(text)
	out := make([]models.Entity, 0, len(decoded.Entities))
	for _, e := range decoded.Entities {
		start, end, ok := offsets.bytes(e.Start, e.End)
		if !ok || text[start:end] != e.Text {
			r.logger.Warn("dropping misaligned entity",
				zap.Int("start", e.Start),
				zap.Int("end", e.End),
				zap.String("label", e.Label),
			)
			continue
		}
		out = append(out, models.Entity{
			Text:   e.Text,
			Start:  start,
			End:    end,
			Label:  r.config.label(e.Label),
			Source: r.config.Name,
		})
	}
	return out, nil
}

// runeOffsets maps code-point indexes to byte offsets.
type runeOffsets []int

func newRuneOffsets(text string) runeOffsets {
	out := make(runeOffsets, 0, len(text)+1)
	for i := range text {
		out = append(out, i)
	}
	return append(out, len(text))
}

func (o runeOffsets) bytes(start, end int) (int, int, bool) {
	if start < 0 || start >= end || end >= len(o) {
		return 0, 0, false
	}
	return o[start], o[end], true
}
