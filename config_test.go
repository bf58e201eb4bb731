package ocrd

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.DeployedEngine != EngineOCR {
		t.Fatalf("deployed_engine = %q", cfg.DeployedEngine)
	}
	if cfg.GPU.MaxConcurrent != 1 || cfg.GPU.MemoryThresholdGiB != 12.0 {
		t.Fatalf("gpu config = %+v", cfg.GPU)
	}
	if cfg.GPU.AcquireTimeout != 300*time.Second {
		t.Fatalf("acquire_timeout = %v", cfg.GPU.AcquireTimeout)
	}
	if cfg.Upload.MaxFileSizeBytes != 10*1024*1024 {
		t.Fatalf("max_file_size_bytes = %d", cfg.Upload.MaxFileSizeBytes)
	}
	if len(cfg.Upload.AllowedExtensions) == 0 || len(cfg.Upload.AllowedMIMETypes) == 0 {
		t.Fatal("upload allow-lists empty")
	}
	if cfg.DefaultFormPrompt == "" {
		t.Fatal("default form prompt empty")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ocrd.yaml")
	content := `
listen_addr: ":9090"
deployed_engine: form_parse
max_workers_form: 3
gpu:
  max_concurrent: 2
  memory_threshold_gib: 20.5
models:
  vision_url: "http://vision:8000"
upload:
  max_file_size_bytes: 1048576
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9090" || cfg.DeployedEngine != EngineFormParse {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.MaxWorkersForm != 3 || cfg.GPU.MaxConcurrent != 2 || cfg.GPU.MemoryThresholdGiB != 20.5 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Models.VisionURL != "http://vision:8000" {
		t.Fatalf("vision_url = %q", cfg.Models.VisionURL)
	}
	if cfg.Upload.MaxFileSizeBytes != 1048576 {
		t.Fatalf("max_file_size_bytes = %d", cfg.Upload.MaxFileSizeBytes)
	}
	// Untouched fields keep their defaults.
	if cfg.MaxWorkersOCR != 1 || cfg.Store.Path != "ocrd.db" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejectsBadEngine(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeployedEngine = "speech"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown engine")
	}
}

func TestValidateRejectsH3WithoutTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableH3 = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for h3 without certificates")
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
