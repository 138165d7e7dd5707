// Package recorder writes a JSONL trace of one fetch run: interview states,
// the captured media request, and every part written or discarded.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "data/traces"
)

// Event types written by the runner.
const (
	EventRunStarted    = "run.started"
	EventAuthState     = "auth.state"
	EventTitleSelected = "catalog.selected"
	EventTargetFound   = "observer.target"
	EventPartFinished  = "part.finished"
	EventPartSentinel  = "part.sentinel"
	EventArchived      = "archive.uploaded"
	EventRunFinished   = "run.finished"
	EventRunFailed     = "run.failed"
)

// Event represents a single record in the trace.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	Data      any       `json:"data,omitempty"`
}

// Recorder manages rotating trace files. A nil *Recorder is a no-op.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
	runID    string
	path     string
}

// NewRecorder creates a recorder instance, ensuring the directory exists.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{basePath: basePath}, nil
}

// Start opens the trace file for a run, rotating out older traces so that at
// most MaxRotatedFiles remain.
func (r *Recorder) Start(runID string) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	filename := fmt.Sprintf("trace_%s_%d.jsonl", runID, time.Now().UnixMilli())
	path := filepath.Join(r.basePath, filename)
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	r.runID = runID
	r.path = path
	return nil
}

// Path returns the current trace file, or "" before Start.
func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Log appends an event to the current trace file.
func (r *Recorder) Log(eventType string, data any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	_ = r.encoder.Encode(Event{
		Timestamp: time.Now(),
		Type:      eventType,
		RunID:     r.runID,
		Data:      data,
	})
}

// rotate keeps only the newest MaxRotatedFiles-1 traces, making room for the next one.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	type trace struct {
		name    string
		modTime time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].modTime.After(traces[j].modTime)
	})

	keep := MaxRotatedFiles - 1
	for i := keep; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.basePath, traces[i].name))
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}
