package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/ocrd/internal/queue"
)

// FormParsingResult is the client-facing document for a completed
// form-parse job. Data holds the repaired JSON object, or the raw model
// text when nothing could be salvaged.
type FormParsingResult struct {
	Success       bool      `json:"success"`
	Filename      string    `json:"filename"`
	Metadata      *Metadata `json:"metadata"`
	ExecutionTime float64   `json:"execution_time"`
	Data          any       `json:"data"`
}

// FormParser extracts structured data from a form image with one vision
// chat completion.
type FormParser struct {
	vision        *ModelClient
	defaultPrompt string
	logger        *slog.Logger
}

// NewFormParser wires the parser to its vision model server. The client
// may be nil when the deployment does not serve form parsing.
func NewFormParser(vision *ModelClient, defaultPrompt string, logger *slog.Logger) *FormParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &FormParser{vision: vision, defaultPrompt: defaultPrompt, logger: logger}
}

// CollapsePrompt folds a client-supplied prompt into a single line: each
// line is trimmed, empty lines are dropped, and the remainder is joined
// with single spaces. A prompt that is blank after trimming falls back
// to def.
func CollapsePrompt(raw, def string) string {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	var parts []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}

// Run implements the dispatcher's engine contract.
func (p *FormParser) Run(ctx context.Context, job *queue.Job, progress func(int)) (json.RawMessage, error) {
	if p.vision == nil {
		return nil, fmt.Errorf("%w: vision model not configured", ErrModelUnavailable)
	}

	start := time.Now()
	_, meta, err := Load(job.Payload)
	if err != nil {
		return nil, err
	}
	prompt := CollapsePrompt(job.Prompt, p.defaultPrompt)

	progress(10)
	content, err := p.vision.Chat(ctx, []ChatMessage{{
		Role: "user",
		Content: []ContentPart{
			{Type: "text", Text: prompt},
			{Type: "image_url", ImageURL: &ImageURL{URL: DataURL(job.Payload, meta.Format)}},
		},
	}}, 4096)
	if err != nil {
		return nil, fmt.Errorf("vision inference: %w", err)
	}
	progress(90)

	var data any
	if obj, rerr := RepairJSON(content); rerr == nil {
		data = obj
	} else {
		p.logger.Warn("model response not repairable, returning raw text",
			"job_id", job.ID, "error", rerr)
		data = content
	}

	res := FormParsingResult{
		Success:       true,
		Filename:      job.Filename,
		Metadata:      meta,
		ExecutionTime: time.Since(start).Seconds(),
		Data:          data,
	}
	doc, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal form result: %w", err)
	}
	return doc, nil
}
