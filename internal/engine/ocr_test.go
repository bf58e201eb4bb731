package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/ocrd/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *ModelClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewModelClient(srv.URL, "test-model", 5*time.Second, testLogger())
}

func chatContent(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	if _, err := fmt.Fprintf(w, `{"choices":[{"message":{"content":%s}}]}`, strconv.Quote(content)); err != nil {
		t.Errorf("write chat response: %v", err)
	}
}

func TestOCRPipelineRun(t *testing.T) {
	detect := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/detect" {
			http.NotFound(w, r)
			return
		}
		var req detectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ImageData == "" {
			t.Errorf("bad detect request: %v", err)
		}
		json.NewEncoder(w).Encode(detectResponse{Regions: []Region{
			{BBox: BBox{X1: 0, Y1: 0, X2: 8, Y2: 8}, Width: 8, Height: 8},
			{BBox: BBox{X1: 8, Y1: 0, X2: 16, Y2: 8}, Width: 8, Height: 8},
		}})
	})
	recog := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		chatContent(t, w, "  HELLO  ")
	})

	p := NewOCRPipeline(detect, recog, nil, testLogger())
	var lastProgress atomic.Int64
	doc, err := p.Run(context.Background(), &queue.Job{
		ID:       "j1",
		Kind:     queue.KindOCR,
		Filename: "scan.png",
		Payload:  makePNG(t, 16, 8),
	}, func(p int) {
		if int64(p) < lastProgress.Load() {
			t.Errorf("progress went backwards: %d after %d", p, lastProgress.Load())
		}
		lastProgress.Store(int64(p))
	})
	if err != nil {
		t.Fatal(err)
	}

	var res OCRResult
	if err := json.Unmarshal(doc, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.TotalDetections != 2 || len(res.Detections) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.Detections[0].Text != "HELLO" {
		t.Fatalf("text = %q, want trimmed HELLO", res.Detections[0].Text)
	}
	if res.Filename != "scan.png" || res.Metadata == nil || res.Metadata.Width != 16 {
		t.Fatalf("result = %+v", res)
	}
	if lastProgress.Load() == 0 {
		t.Fatal("no progress reported")
	}
}

func TestOCRPipelineRegionFailureYieldsEmptyText(t *testing.T) {
	detect := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(detectResponse{Regions: []Region{
			{BBox: BBox{X1: 0, Y1: 0, X2: 8, Y2: 8}, Width: 8, Height: 8},
			{BBox: BBox{X1: 8, Y1: 0, X2: 16, Y2: 8}, Width: 8, Height: 8},
		}})
	})
	var calls atomic.Int32
	recog := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 2 {
			http.Error(w, "model exploded", http.StatusInternalServerError)
			return
		}
		chatContent(t, w, "FIRST")
	})

	p := NewOCRPipeline(detect, recog, nil, testLogger())
	doc, err := p.Run(context.Background(), &queue.Job{ID: "j2", Payload: makePNG(t, 16, 8)}, func(int) {})
	if err != nil {
		t.Fatal(err)
	}

	var res OCRResult
	if err := json.Unmarshal(doc, &res); err != nil {
		t.Fatal(err)
	}
	if res.Detections[0].Text != "FIRST" || res.Detections[1].Text != "" {
		t.Fatalf("detections = %+v", res.Detections)
	}
	if !res.Success {
		t.Fatal("whole job failed on a single bad region")
	}
}

func TestOCRPipelineInvalidImage(t *testing.T) {
	p := NewOCRPipeline(
		newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}),
		newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}),
		nil, testLogger())

	_, err := p.Run(context.Background(), &queue.Job{ID: "j3", Payload: []byte("nope")}, func(int) {})
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("err = %v, want ErrInvalidImage", err)
	}
}

func TestOCRPipelineUnconfigured(t *testing.T) {
	p := NewOCRPipeline(nil, nil, nil, testLogger())

	_, err := p.Run(context.Background(), &queue.Job{ID: "j4", Payload: makePNG(t, 4, 4)}, func(int) {})
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
}

func TestOCRPipelineDetectorDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close() // refused connections from here on

	p := NewOCRPipeline(
		NewModelClient(url, "m", time.Second, testLogger()),
		NewModelClient(url, "m", time.Second, testLogger()),
		nil, testLogger())

	_, err := p.Run(context.Background(), &queue.Job{ID: "j5", Payload: makePNG(t, 4, 4)}, func(int) {})
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
}
