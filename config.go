// Package ocrd holds the configuration for the ocrd service: an
// image-inference job dispatcher that serialises OCR and form-parsing
// jobs onto a shared GPU and exposes their state over a polling HTTP API.
package ocrd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine kinds accepted by deployed_engine.
const (
	EngineOCR       = "ocr"
	EngineFormParse = "form_parse"
)

// DefaultFormPrompt is the system prompt used for form parsing when the
// client submits a blank llm_prompt.
const DefaultFormPrompt = `FORM IMAGE TO JSON - Extract ALL information from this form image and return ONLY a valid JSON object. ` +
	`Do NOT return any commentary, description, example, or explanation—ONLY the JSON object. ` +
	`The output MUST be a single, complete JSON object. ` +
	`Include every field or element you can identify, preserving structure, grouping, and relationships. ` +
	`Mark unclear or questionable values as "[UNCLEAR]". If a field is empty, use null. ` +
	`For lists, use JSON arrays. For tables, use JSON arrays of objects (each object is a row). ` +
	`For booleans (checkboxes, radios), use true/false. For dates, use ISO format if possible. ` +
	`For confidence, use a separate key per section: "confidence": 0.0 to 1.0.`

// Config holds all ocrd configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// DeployedEngine selects which model servers this deployment points
	// at: "ocr" or "form_parse". Both endpoint groups are always mounted;
	// jobs for an engine without configured servers fail at run time with
	// a model-unavailable error.
	DeployedEngine string `yaml:"deployed_engine"`

	MaxWorkersOCR  int `yaml:"max_workers_ocr"`
	MaxWorkersForm int `yaml:"max_workers_form"`

	GPU    GPUConfig    `yaml:"gpu"`
	Upload UploadConfig `yaml:"upload"`
	Store  StoreConfig  `yaml:"store"`
	Models ModelConfig  `yaml:"models"`
	TLS    TLSConfig    `yaml:"tls"`

	DefaultFormPrompt string `yaml:"default_form_prompt"`

	// TrainingCaptureDir, when set, saves every recognised OCR crop with
	// its text label under this directory for later model training.
	TrainingCaptureDir string `yaml:"training_capture_dir"`

	// EnableH3 starts an HTTP/3 listener beside the TCP one. Requires
	// tls.cert_file and tls.key_file.
	EnableH3 bool `yaml:"enable_h3"`
}

// GPUConfig bounds concurrent GPU use across all job kinds.
type GPUConfig struct {
	MaxConcurrent      int           `yaml:"max_concurrent"`
	MemoryThresholdGiB float64       `yaml:"memory_threshold_gib"`
	AcquireTimeout     time.Duration `yaml:"acquire_timeout"`
}

// UploadConfig controls submission-time file validation.
type UploadConfig struct {
	AllowedExtensions []string `yaml:"allowed_extensions"`
	AllowedMIMETypes  []string `yaml:"allowed_mime_types"`
	MaxFileSizeBytes  int64    `yaml:"max_file_size_bytes"`
}

// StoreConfig locates the job-record database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ModelConfig holds the URLs of the external model servers. Detection and
// recognition serve the OCR pipeline; vision serves form parsing.
type ModelConfig struct {
	DetectionURL     string        `yaml:"detection_url"`
	RecognitionURL   string        `yaml:"recognition_url"`
	RecognitionModel string        `yaml:"recognition_model"`
	VisionURL        string        `yaml:"vision_url"`
	VisionModel      string        `yaml:"vision_model"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// TLSConfig holds certificate paths for the HTTP/3 listener.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

func (c *Config) defaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.DeployedEngine == "" {
		c.DeployedEngine = EngineOCR
	}
	if c.MaxWorkersOCR <= 0 {
		c.MaxWorkersOCR = 1
	}
	if c.MaxWorkersForm <= 0 {
		c.MaxWorkersForm = 1
	}
	if c.GPU.MaxConcurrent <= 0 {
		c.GPU.MaxConcurrent = 1
	}
	if c.GPU.MemoryThresholdGiB <= 0 {
		c.GPU.MemoryThresholdGiB = 12.0
	}
	if c.GPU.AcquireTimeout <= 0 {
		c.GPU.AcquireTimeout = 300 * time.Second
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		c.Upload.AllowedExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tiff", ".webp"}
	}
	if len(c.Upload.AllowedMIMETypes) == 0 {
		c.Upload.AllowedMIMETypes = []string{
			"image/jpeg", "image/jpg", "image/png",
			"image/bmp", "image/tiff", "image/webp",
		}
	}
	if c.Upload.MaxFileSizeBytes <= 0 {
		c.Upload.MaxFileSizeBytes = 10 * 1024 * 1024
	}
	if c.Store.Path == "" {
		c.Store.Path = "ocrd.db"
	}
	if c.Models.RequestTimeout <= 0 {
		c.Models.RequestTimeout = 120 * time.Second
	}
	if c.Models.RecognitionModel == "" {
		c.Models.RecognitionModel = "got-ocr2"
	}
	if c.Models.VisionModel == "" {
		c.Models.VisionModel = "qwen2.5-vl-7b-instruct"
	}
	if c.DefaultFormPrompt == "" {
		c.DefaultFormPrompt = DefaultFormPrompt
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.DeployedEngine != EngineOCR && c.DeployedEngine != EngineFormParse {
		return fmt.Errorf("deployed_engine must be %q or %q, got %q",
			EngineOCR, EngineFormParse, c.DeployedEngine)
	}
	if c.EnableH3 && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("enable_h3 requires tls.cert_file and tls.key_file")
	}
	return nil
}

// LoadConfigFile reads a YAML config file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.defaults()
	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}
