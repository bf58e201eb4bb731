package engine

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SampleWriter persists crop/label pairs produced during OCR for later
// recognition-model training. Images land under <dir>/images and labels
// accumulate in <dir>/labels.csv as "filename,text" rows.
type SampleWriter struct {
	imageDir string
	csvPath  string
	logger   *slog.Logger

	mu sync.Mutex
}

// NewSampleWriter creates the capture directory layout under dir.
func NewSampleWriter(dir string, logger *slog.Logger) (*SampleWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	imageDir := filepath.Join(dir, "images")
	if err := os.MkdirAll(imageDir, 0755); err != nil {
		return nil, fmt.Errorf("create training capture dir: %w", err)
	}
	return &SampleWriter{
		imageDir: imageDir,
		csvPath:  filepath.Join(dir, "labels.csv"),
		logger:   logger,
	}, nil
}

// Save writes one crop image and appends its label row. The append runs
// under a mutex so concurrent workers cannot interleave rows.
func (w *SampleWriter) Save(cropPNG []byte, text string) error {
	name := strings.ReplaceAll(uuid.NewString(), "-", "")[:10] + ".png"
	if err := os.WriteFile(filepath.Join(w.imageDir, name), cropPNG, 0644); err != nil {
		return fmt.Errorf("write training image: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.csvPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open labels file: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write([]string{name, text}); err != nil {
		return fmt.Errorf("append label row: %w", err)
	}
	cw.Flush()
	return cw.Error()
}
