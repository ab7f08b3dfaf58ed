// Package debugtrace records per-answer retrieval diagnostics. It is a pure
// observer on the query path: a trace that fails to record degrades to "no
// debug info" and never alters or aborts the answer it is describing.
package debugtrace

import (
	"log"
	"time"

	"github.com/veracify/veracify/models"
)

// Recorder opens traces with a fixed snapshot of knowledge-base parameters.
type Recorder struct {
	params map[string]string
	logger *log.Logger
}

// New builds a Recorder. params is copied once so later config reloads do
// not retroactively rewrite captured traces.
func New(params map[string]string, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.New(log.Writer(), "[DEBUG] ", log.LstdFlags)
	}
	snapshot := make(map[string]string, len(params))
	for k, v := range params {
		snapshot[k] = v
	}
	return &Recorder{params: snapshot, logger: logger}
}

// Trace accumulates observations for one answer.
type Trace struct {
	recorder *Recorder
	info     models.QueryDebugInfo
	failed   bool
}

// Begin opens a trace for a new answer.
func (r *Recorder) Begin() *Trace {
	params := make(map[string]string, len(r.params))
	for k, v := range r.params {
		params[k] = v
	}
	return &Trace{recorder: r, info: models.QueryDebugInfo{KBParams: params}}
}

// ObserveRetrieval records what retrieval returned and how long it took.
func (t *Trace) ObserveRetrieval(chunks []models.RetrievedChunk, d time.Duration) {
	defer t.guard("retrieval")
	t.info.ChunksRetrieved = append([]models.RetrievedChunk(nil), chunks...)
	t.info.RetrievalMS = d.Milliseconds()
}

// ObserveAssembly records how long context assembly took.
func (t *Trace) ObserveAssembly(d time.Duration) {
	defer t.guard("assembly")
	t.info.ContextAssemblyMS = d.Milliseconds()
}

// Info returns the finished trace, or nil if any observation failed. The
// returned value is a copy; the trace cannot be mutated through it.
func (t *Trace) Info() *models.QueryDebugInfo {
	if t.failed {
		return nil
	}
	info := t.info
	info.KBParams = make(map[string]string, len(t.info.KBParams))
	for k, v := range t.info.KBParams {
		info.KBParams[k] = v
	}
	info.ChunksRetrieved = append([]models.RetrievedChunk(nil), t.info.ChunksRetrieved...)
	return &info
}

// guard swallows panics out of observation code so a broken trace can never
// take the answer down with it.
func (t *Trace) guard(stage string) {
	if rec := recover(); rec != nil {
		t.failed = true
		t.recorder.logger.Printf("warn: dropping debug trace, %s observation panicked: %v", stage, rec)
	}
}
