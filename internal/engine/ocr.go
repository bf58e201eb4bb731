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

const recognitionPrompt = "Read the text in this image. Return only the text, nothing else."

// Detection is one recognised text region in the result document.
type Detection struct {
	BBox   BBox   `json:"bbox"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Text   string `json:"text"`
}

// OCRResult is the client-facing document for a completed OCR job.
type OCRResult struct {
	Success               bool        `json:"success"`
	Filename              string      `json:"filename"`
	Metadata              *Metadata   `json:"metadata"`
	TextDetectionDuration float64     `json:"text_detection_duration"`
	OverallProcessingTime float64     `json:"overall_processing_time"`
	Message               string      `json:"message"`
	Detections            []Detection `json:"detections"`
	TotalDetections       int         `json:"total_detections"`
}

// OCRPipeline runs text detection then per-region recognition.
type OCRPipeline struct {
	detect  *ModelClient
	recog   *ModelClient
	samples *SampleWriter
	logger  *slog.Logger
}

// NewOCRPipeline wires the pipeline to its two model servers. Either
// client may be nil when the deployment does not serve OCR; jobs then
// fail with ErrModelUnavailable. A non-nil samples writer captures each
// recognised crop with its text label as training data.
func NewOCRPipeline(detect, recog *ModelClient, samples *SampleWriter, logger *slog.Logger) *OCRPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &OCRPipeline{detect: detect, recog: recog, samples: samples, logger: logger}
}

// Run implements the dispatcher's engine contract. Progress moves with
// the per-region recognition loop; a single failed region yields an
// empty text rather than failing the whole job.
func (p *OCRPipeline) Run(ctx context.Context, job *queue.Job, progress func(int)) (json.RawMessage, error) {
	if p.detect == nil || p.recog == nil {
		return nil, fmt.Errorf("%w: ocr models not configured", ErrModelUnavailable)
	}

	start := time.Now()
	img, meta, err := Load(job.Payload)
	if err != nil {
		return nil, err
	}

	detStart := time.Now()
	regions, err := p.detect.Detect(ctx, job.Payload, meta.Format)
	if err != nil {
		return nil, fmt.Errorf("text detection: %w", err)
	}
	detElapsed := time.Since(detStart)

	detections := make([]Detection, 0, len(regions))
	for i, region := range regions {
		progress(5 + (i*90)/max(len(regions), 1))

		var text string
		crop, cerr := EncodePNG(Crop(img, region.BBox))
		if cerr != nil {
			p.logger.Warn("region crop failed",
				"job_id", job.ID, "region", i, "error", cerr)
		} else if recognized, rerr := p.recognizeRegion(ctx, crop); rerr != nil {
			p.logger.Warn("region recognition failed",
				"job_id", job.ID, "region", i, "error", rerr)
		} else {
			text = recognized
			if p.samples != nil {
				if serr := p.samples.Save(crop, text); serr != nil {
					p.logger.Warn("training sample capture failed",
						"job_id", job.ID, "region", i, "error", serr)
				}
			}
		}
		detections = append(detections, Detection{
			BBox:   region.BBox,
			Width:  region.Width,
			Height: region.Height,
			Text:   text,
		})
	}

	res := OCRResult{
		Success:               true,
		Filename:              job.Filename,
		Metadata:              meta,
		TextDetectionDuration: detElapsed.Seconds(),
		OverallProcessingTime: time.Since(start).Seconds(),
		Message:               fmt.Sprintf("OCR completed: %d text regions", len(detections)),
		Detections:            detections,
		TotalDetections:       len(detections),
	}
	doc, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal ocr result: %w", err)
	}
	return doc, nil
}

// recognizeRegion asks the recognition model for the text in one
// PNG-encoded crop.
func (p *OCRPipeline) recognizeRegion(ctx context.Context, cropPNG []byte) (string, error) {
	text, err := p.recog.Chat(ctx, []ChatMessage{{
		Role: "user",
		Content: []ContentPart{
			{Type: "text", Text: recognitionPrompt},
			{Type: "image_url", ImageURL: &ImageURL{URL: DataURL(cropPNG, "png")}},
		},
	}}, 256)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
