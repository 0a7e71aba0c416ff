package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

const (
	maxRecentTraces = 200  // finished traces kept in memory; older ones come from storage
	maxSpanText     = 2000 // span input/output cap in bytes
	persistTimeout  = 5 * time.Second
)

// TraceRepository persists finished traces.
type TraceRepository interface {
	SaveTrace(ctx context.Context, trace *domain.Trace) error
}

// SpanRef identifies an open span. The zero value is a no-op span.
type SpanRef struct {
	Trace domain.TraceID
	Span  domain.SpanID
}

// TraceCollector records one trace per run step: a root span for the run and
// a child span for every analyze, tool, decompose and answer step. Spans are
// mirrored to the global OpenTelemetry tracer and announced on the run's
// session topic. Finished traces are saved and kept in a short recent list.
type TraceCollector struct {
	logger *slog.Logger
	bus    *EventBus
	repo   TraceRepository // optional
	otel   oteltrace.Tracer

	mu     sync.Mutex
	live   map[domain.TraceID]*liveTrace
	recent []*domain.Trace // oldest first
}

type liveTrace struct {
	trace domain.Trace
	spans []*liveSpan // start order
	byID  map[domain.SpanID]*liveSpan
}

type liveSpan struct {
	span domain.Span
	otel oteltrace.Span
}

// NewTraceCollector creates a collector. bus and repo may be nil.
func NewTraceCollector(logger *slog.Logger, bus *EventBus, repo TraceRepository) *TraceCollector {
	return &TraceCollector{
		logger: logger,
		bus:    bus,
		repo:   repo,
		otel:   otel.Tracer("quickloan-kb/agent"),
		live:   make(map[domain.TraceID]*liveTrace),
	}
}

type spanCtxKey struct{}

func spanFromContext(ctx context.Context) (SpanRef, bool) {
	ref, ok := ctx.Value(spanCtxKey{}).(SpanRef)
	return ref, ok
}

// StartRun opens the trace of one run step. The returned context carries the
// root span; spans started from it nest under the run.
func (tc *TraceCollector) StartRun(ctx context.Context, run *domain.Run) (context.Context, domain.TraceID) {
	id := domain.TraceID(uuid.NewString())
	root := domain.SpanID(uuid.NewString())
	name := traceName(run.Query)
	attrs := map[string]string{
		"session_id": string(run.SessionID),
		"run_id":     string(run.ID),
	}
	now := time.Now()

	ctx, span := tc.otel.Start(ctx, name, oteltrace.WithAttributes(otelAttrs(id, domain.SpanKindRun, attrs)...))
	lt := &liveTrace{
		trace: domain.Trace{
			ID:         id,
			RootSpanID: root,
			Name:       name,
			Status:     domain.SpanStatusRunning,
			SessionID:  run.SessionID,
			RunID:      run.ID,
			StartTime:  now,
		},
		byID: make(map[domain.SpanID]*liveSpan),
	}
	lt.add(&liveSpan{
		span: domain.Span{
			ID:         root,
			TraceID:    id,
			Name:       name,
			Kind:       domain.SpanKindRun,
			Status:     domain.SpanStatusRunning,
			Input:      truncate(run.Query.String(), maxSpanText),
			Attributes: attrs,
			StartTime:  now,
		},
		otel: span,
	})

	tc.mu.Lock()
	tc.live[id] = lt
	tc.mu.Unlock()

	tc.logger.Debug("trace started", "trace_id", id, "run_id", run.ID)
	return context.WithValue(ctx, spanCtxKey{}, SpanRef{Trace: id, Span: root}), id
}

// FinishRun closes the trace and any span still open in it, then saves it.
func (tc *TraceCollector) FinishRun(id domain.TraceID, status domain.SpanStatus, errMsg string) {
	now := time.Now()

	tc.mu.Lock()
	lt, ok := tc.live[id]
	if !ok {
		tc.mu.Unlock()
		return
	}
	delete(tc.live, id)
	for _, ls := range lt.spans {
		if ls.span.Status != domain.SpanStatusRunning {
			continue
		}
		if ls.span.ID == lt.trace.RootSpanID {
			ls.finish(status, "", errMsg, now)
		} else {
			ls.finish(domain.SpanStatusCancelled, "", "run step ended first", now)
		}
	}
	lt.trace.Status = status
	lt.trace.EndTime = &now
	lt.trace.DurationMs = now.Sub(lt.trace.StartTime).Milliseconds()
	done := lt.snapshot()

	tc.recent = append(tc.recent, done)
	if over := len(tc.recent) - maxRecentTraces; over > 0 {
		tc.recent = append([]*domain.Trace(nil), tc.recent[over:]...)
	}
	tc.mu.Unlock()

	tc.publish(done.SessionID, map[string]interface{}{
		"event":       "trace_end",
		"trace_id":    id,
		"status":      status,
		"span_count":  done.SpanCount,
		"duration_ms": done.DurationMs,
	})

	if tc.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := tc.repo.SaveTrace(ctx, done); err != nil {
		tc.logger.Warn("failed to persist trace", "trace_id", id, "error", err)
	}
}

// StartSpan opens a child of the span carried by ctx. Without one it returns
// ctx unchanged and a zero SpanRef.
func (tc *TraceCollector) StartSpan(ctx context.Context, name string, kind domain.SpanKind, input string, attrs map[string]string) (context.Context, SpanRef) {
	parent, ok := spanFromContext(ctx)
	if !ok {
		return ctx, SpanRef{}
	}
	ref := SpanRef{Trace: parent.Trace, Span: domain.SpanID(uuid.NewString())}

	otelCtx, span := tc.otel.Start(ctx, name, oteltrace.WithAttributes(otelAttrs(ref.Trace, kind, attrs)...))
	ls := &liveSpan{
		span: domain.Span{
			ID:         ref.Span,
			ParentID:   parent.Span,
			TraceID:    ref.Trace,
			Name:       name,
			Kind:       kind,
			Status:     domain.SpanStatusRunning,
			Input:      truncate(input, maxSpanText),
			Attributes: attrs,
			StartTime:  time.Now(),
		},
		otel: span,
	}

	tc.mu.Lock()
	lt, ok := tc.live[ref.Trace]
	if ok {
		lt.add(ls)
	}
	tc.mu.Unlock()
	if !ok {
		span.End()
		return ctx, SpanRef{}
	}
	return context.WithValue(otelCtx, spanCtxKey{}, ref), ref
}

// EndSpan closes a span with its output and status.
func (tc *TraceCollector) EndSpan(ref SpanRef, status domain.SpanStatus, output, errMsg string) {
	if ref.Span == "" {
		return
	}

	tc.mu.Lock()
	var ls *liveSpan
	lt := tc.live[ref.Trace]
	if lt != nil {
		ls = lt.byID[ref.Span]
	}
	if ls == nil || ls.span.Status != domain.SpanStatusRunning {
		// unknown, already closed, or its run step has finished
		tc.mu.Unlock()
		return
	}
	ls.finish(status, output, errMsg, time.Now())
	sessionID, ended := lt.trace.SessionID, ls.span
	tc.mu.Unlock()

	tc.publish(sessionID, map[string]interface{}{
		"event":       "span_end",
		"trace_id":    ended.TraceID,
		"span_id":     ended.ID,
		"name":        ended.Name,
		"kind":        ended.Kind,
		"status":      ended.Status,
		"duration_ms": ended.DurationMs,
	})
}

// ListTraces returns summaries of open traces, newest first, followed by
// recently finished ones in reverse finish order.
func (tc *TraceCollector) ListTraces(limit int) []domain.TraceSummary {
	tc.mu.Lock()
	open := make([]domain.Trace, 0, len(tc.live))
	for _, lt := range tc.live {
		open = append(open, lt.trace)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].StartTime.After(open[j].StartTime) })
	all := open
	for i := len(tc.recent) - 1; i >= 0; i-- {
		all = append(all, *tc.recent[i])
	}
	tc.mu.Unlock()

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]domain.TraceSummary, len(all))
	for i, t := range all {
		out[i] = domain.TraceSummary{
			ID:         t.ID,
			SessionID:  t.SessionID,
			Name:       t.Name,
			Status:     t.Status,
			StartTime:  t.StartTime,
			DurationMs: t.DurationMs,
			SpanCount:  t.SpanCount,
		}
	}
	return out
}

// GetTrace returns a trace with its spans in start order.
func (tc *TraceCollector) GetTrace(id domain.TraceID) (*domain.Trace, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if lt, ok := tc.live[id]; ok {
		return lt.snapshot(), nil
	}
	for i := len(tc.recent) - 1; i >= 0; i-- {
		if t := tc.recent[i]; t.ID == id {
			cp := *t
			cp.Spans = append([]domain.Span(nil), t.Spans...)
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("trace %s: %w", id, domain.ErrTraceNotFound)
}

func (lt *liveTrace) add(ls *liveSpan) {
	if parent, ok := lt.byID[ls.span.ParentID]; ok {
		parent.span.Children = append(parent.span.Children, ls.span.ID)
	}
	lt.spans = append(lt.spans, ls)
	lt.byID[ls.span.ID] = ls
	lt.trace.SpanCount = len(lt.spans)
}

// snapshot copies the trace with its spans. Caller holds tc.mu.
func (lt *liveTrace) snapshot() *domain.Trace {
	t := lt.trace
	t.Spans = make([]domain.Span, len(lt.spans))
	for i, ls := range lt.spans {
		t.Spans[i] = ls.span
		t.Spans[i].Children = append([]domain.SpanID(nil), ls.span.Children...)
	}
	return &t
}

func (ls *liveSpan) finish(status domain.SpanStatus, output, errMsg string, at time.Time) {
	ls.span.Status = status
	ls.span.Output = truncate(output, maxSpanText)
	ls.span.Error = errMsg
	ls.span.EndTime = &at
	ls.span.DurationMs = at.Sub(ls.span.StartTime).Milliseconds()

	switch status {
	case domain.SpanStatusOK:
		ls.otel.SetStatus(codes.Ok, "")
	case domain.SpanStatusError, domain.SpanStatusCancelled:
		ls.otel.SetStatus(codes.Error, errMsg)
	}
	ls.otel.End()
}

func (tc *TraceCollector) publish(sessionID domain.SessionID, data map[string]interface{}) {
	if tc.bus == nil {
		return
	}
	payload, _ := json.Marshal(data)
	tc.bus.Publish(Event{
		Topic:     string(sessionID),
		Type:      EventTypeTrace,
		Data:      string(payload),
		Timestamp: time.Now().UnixMilli(),
	})
}

func otelAttrs(traceID domain.TraceID, kind domain.SpanKind, attrs map[string]string) []attribute.KeyValue {
	kv := make([]attribute.KeyValue, 0, len(attrs)+2)
	kv = append(kv, attribute.String("kb.trace_id", string(traceID)), attribute.String("kb.span_kind", string(kind)))
	for k, v := range attrs {
		kv = append(kv, attribute.String("kb."+k, v))
	}
	return kv
}

func traceName(q domain.Query) string {
	name := "ask: " + q.String()
	if len(name) > 80 {
		name = domain.ClipHead(name, 80) + "..."
	}
	return name
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return domain.ClipHead(s, maxLen) + "...[truncated]"
}
