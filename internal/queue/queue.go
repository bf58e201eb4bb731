// Package queue implements the in-memory job queues and the dispatcher
// that drains them onto the GPU. Each job kind gets its own dispatcher
// with a normal and a priority lane; workers start lazily on the first
// submission and drain priority jobs before normal ones.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Kind identifies the inference pipeline a job belongs to.
type Kind string

const (
	KindOCR       Kind = "ocr"
	KindFormParse Kind = "form_parse"
)

// ErrQueueFull is returned by Enqueue when the lane is at capacity.
var ErrQueueFull = errors.New("queue full")

// Job is one unit of inference work. Payload is the raw uploaded image;
// Prompt is only meaningful for form-parse jobs.
type Job struct {
	ID          string
	Kind        Kind
	Filename    string
	Payload     []byte
	Prompt      string
	Priority    bool
	SubmittedAt time.Time
}

// Engine runs inference for one job. The progress callback receives
// values in [0,100]; implementations may call it at any cadence. The
// returned message is the client-facing result document.
type Engine interface {
	Run(ctx context.Context, job *Job, progress func(int)) (json.RawMessage, error)
}

// queue holds the two lanes for one job kind.
type queue struct {
	normal   chan *Job
	priority chan *Job
}

func newQueue(capacity int) *queue {
	return &queue{
		normal:   make(chan *Job, capacity),
		priority: make(chan *Job, capacity),
	}
}

// enqueue places the job on its lane without blocking.
func (q *queue) enqueue(j *Job) error {
	lane := q.normal
	if j.Priority {
		lane = q.priority
	}
	select {
	case lane <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// tryDequeue pops the next job, priority lane first. Returns nil when
// both lanes are empty.
func (q *queue) tryDequeue() *Job {
	select {
	case j := <-q.priority:
		return j
	default:
	}
	select {
	case j := <-q.normal:
		return j
	default:
	}
	return nil
}

func (q *queue) depths() (normal, priority int) {
	return len(q.normal), len(q.priority)
}
