// Package trace ingests agent execution spans and links governance
// decisions into the caller's trace tree as synthetic spans.
package trace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

// Ingestor normalises and persists spans. Duplicate span ids are skipped
// silently, making ingestion idempotent.
type Ingestor struct {
	store  store.Store
	logger *slog.Logger
}

// NewIngestor creates a span ingestor.
func NewIngestor(st store.Store, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: st, logger: logger.With("component", "trace.Ingestor")}
}

// Ingest validates, normalises and persists a batch of spans, reporting
// inserted and skipped counts.
func (i *Ingestor) Ingest(spans []*store.Span) (inserted, skipped int, err error) {
	for _, sp := range spans {
		if sp.SpanID == "" || sp.TraceID == "" {
			return 0, 0, fmt.Errorf("span requires span_id and trace_id")
		}
		normalise(sp)
	}
	return i.store.InsertSpans(spans)
}

// normalise fills derived fields: default kind and status, and a duration
// computed from the start/end pair when absent.
func normalise(sp *store.Span) {
	if sp.Kind == "" {
		sp.Kind = store.SpanCustom
	}
	if sp.Status == "" {
		sp.Status = "ok"
	}
	if sp.StartedAt.IsZero() {
		sp.StartedAt = time.Now().UTC()
	}
	if sp.DurationMs == 0 && sp.EndedAt != nil {
		sp.DurationMs = sp.EndedAt.Sub(sp.StartedAt).Milliseconds()
	}
}

// Linker persists synthetic governance spans parented to the calling
// agent's span. Linking is best-effort: a failure is warn-logged and never
// fails the decision path.
type Linker struct {
	ingestor *Ingestor
	logger   *slog.Logger
}

// NewLinker creates a governance-span linker.
func NewLinker(ingestor *Ingestor, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{ingestor: ingestor, logger: logger.With("component", "trace.Linker")}
}

// LinkEvaluation records a governor.evaluate span for a decision carrying
// a trace id. No-op when traceID is empty.
func (l *Linker) LinkEvaluation(traceID, parentSpanID, tool string, attributes map[string]interface{}, startedAt time.Time) {
	l.link(traceID, parentSpanID, fmt.Sprintf("governor.evaluate(%s)", tool), "ok", attributes, startedAt)
}

// LinkVerification records a governor.verify span. Status is "error" when
// the verdict was a violation.
func (l *Linker) LinkVerification(traceID, parentSpanID, tool, verdict string, attributes map[string]interface{}, startedAt time.Time) {
	status := "ok"
	if verdict == "violation" {
		status = "error"
	}
	l.link(traceID, parentSpanID, fmt.Sprintf("governor.verify(%s)", tool), status, attributes, startedAt)
}

func (l *Linker) link(traceID, parentSpanID, name, status string, attributes map[string]interface{}, startedAt time.Time) {
	if traceID == "" {
		return
	}

	attrs, err := json.Marshal(attributes)
	if err != nil {
		l.logger.Warn("failed to marshal governance span attributes", "error", err)
		attrs = nil
	}

	now := time.Now().UTC()
	sp := &store.Span{
		SpanID:       "gov_" + ulid.Make().String(),
		TraceID:      traceID,
		ParentSpanID: parentSpanID,
		Kind:         store.SpanGovernance,
		Name:         name,
		Status:       status,
		StartedAt:    startedAt,
		EndedAt:      &now,
		DurationMs:   now.Sub(startedAt).Milliseconds(),
		Attributes:   attrs,
	}

	if _, _, err := l.ingestor.Ingest([]*store.Span{sp}); err != nil {
		l.logger.Warn("failed to persist governance span", "trace_id", traceID, "error", err)
	}
}
