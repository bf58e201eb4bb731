// Command ocrd runs the image-inference job dispatch service: it accepts
// OCR and form-parsing uploads over HTTP, serialises them onto a shared
// GPU through the admission controller, and serves job state for polling.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/quic-go/quic-go/http3"

	"github.com/hazyhaar/ocrd"
	"github.com/hazyhaar/ocrd/internal/api"
	"github.com/hazyhaar/ocrd/internal/engine"
	"github.com/hazyhaar/ocrd/internal/gpu"
	"github.com/hazyhaar/ocrd/internal/queue"
	"github.com/hazyhaar/ocrd/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := ocrd.DefaultConfig()
	if *configPath != "" {
		loaded, err := ocrd.LoadConfigFile(*configPath)
		if err != nil {
			logger.Error("load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("ocrd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *ocrd.Config, logger *slog.Logger) error {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	st, err := store.New(db)
	if err != nil {
		return err
	}

	monitor := gpu.NewMonitor(0)
	ctrl := gpu.New(gpu.Options{
		MaxConcurrent:      cfg.GPU.MaxConcurrent,
		MemoryThresholdGiB: cfg.GPU.MemoryThresholdGiB,
		Mem:                monitor.Mem,
		Logger:             logger,
	})

	newClient := func(url, model string) *engine.ModelClient {
		if url == "" {
			return nil
		}
		return engine.NewModelClient(url, model, cfg.Models.RequestTimeout, logger)
	}
	var samples *engine.SampleWriter
	if cfg.TrainingCaptureDir != "" {
		samples, err = engine.NewSampleWriter(cfg.TrainingCaptureDir, logger)
		if err != nil {
			return err
		}
	}
	ocrPipe := engine.NewOCRPipeline(
		newClient(cfg.Models.DetectionURL, ""),
		newClient(cfg.Models.RecognitionURL, cfg.Models.RecognitionModel),
		samples,
		logger)
	formPipe := engine.NewFormParser(
		newClient(cfg.Models.VisionURL, cfg.Models.VisionModel),
		cfg.DefaultFormPrompt,
		logger)

	ocrDisp := queue.New(queue.Options{
		Name:           "ocr_queue",
		Kind:           queue.KindOCR,
		MaxWorkers:     cfg.MaxWorkersOCR,
		AcquireTimeout: cfg.GPU.AcquireTimeout,
		Store:          st,
		GPU:            ctrl,
		Engine:         ocrPipe,
		Logger:         logger,
	})
	formDisp := queue.New(queue.Options{
		Name:           "forms_queue",
		Kind:           queue.KindFormParse,
		MaxWorkers:     cfg.MaxWorkersForm,
		AcquireTimeout: cfg.GPU.AcquireTimeout,
		Store:          st,
		GPU:            ctrl,
		Engine:         formPipe,
		Logger:         logger,
	})

	srv := api.New(api.Options{
		Store:             st,
		GPU:               ctrl,
		OCR:               ocrDisp,
		Form:              formDisp,
		DeployedEngine:    cfg.DeployedEngine,
		AllowedExtensions: cfg.Upload.AllowedExtensions,
		AllowedMIMETypes:  cfg.Upload.AllowedMIMETypes,
		MaxFileSizeBytes:  cfg.Upload.MaxFileSizeBytes,
		Logger:            logger,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	srv.Register(r)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", "addr", cfg.ListenAddr, "deployed_engine", cfg.DeployedEngine)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var h3 *http3.Server
	if cfg.EnableH3 {
		h3 = &http3.Server{Addr: cfg.ListenAddr, Handler: r}
		go func() {
			logger.Info("http3 listening", "addr", cfg.ListenAddr)
			if err := h3.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile); err != nil {
				errCh <- fmt.Errorf("http3 server: %w", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if h3 != nil {
		if err := h3.Close(); err != nil {
			logger.Warn("http3 shutdown", "error", err)
		}
	}

	// Dispatchers drain after the listeners stop accepting work; each
	// finishes its in-flight job before exiting.
	ocrDisp.Close()
	formDisp.Close()
	logger.Info("shutdown complete")
	return nil
}
