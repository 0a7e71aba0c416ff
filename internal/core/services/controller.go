package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
	"github.com/manthysbr/quickloan-kb/internal/core/ports"
)

// Abort reasons recorded on a run.
const (
	AbortIterations = "iterations"
	AbortDuration   = "duration"
	AbortCancelled  = "cancelled"
	AbortModelError = "model_error"
)

// ControllerConfig bounds the reasoning loop.
type ControllerConfig struct {
	Budget      domain.Budget
	MaxDepth    int // decomposition depth cap; 0 disables decomposition
	ToolTimeout time.Duration
}

// ControllerConfigFrom extracts the loop settings from the agent config.
func ControllerConfigFrom(cfg domain.AgentConfig) ControllerConfig {
	return ControllerConfig{
		Budget:      cfg.Budget(),
		MaxDepth:    cfg.MaxDecompositionDepth,
		ToolTimeout: cfg.ToolTimeout,
	}
}

// Controller drives a Run through REASON, ACT and CLARIFY_WAIT until it is
// DONE or ABORTED. Sub-queries of a decomposition re-enter the same loop one
// level deeper and share the run's context, trajectory and budget.
type Controller struct {
	logger     *slog.Logger
	analyzer   ports.Analyzer
	answerer   ports.Answerer
	tools      *domain.ToolRegistry
	decomposer *Decomposer
	tracer     *TraceCollector
	bus        *EventBus
	cfg        ControllerConfig
}

// NewController creates a controller. tracer and bus may be nil.
func NewController(
	logger *slog.Logger,
	analyzer ports.Analyzer,
	answerer ports.Answerer,
	tools *domain.ToolRegistry,
	decomposer *Decomposer,
	tracer *TraceCollector,
	bus *EventBus,
	cfg ControllerConfig,
) *Controller {
	def := domain.DefaultConfig().Agent
	if cfg.Budget.MaxIterations <= 0 {
		cfg.Budget.MaxIterations = def.MaxIterations
	}
	if cfg.Budget.MaxDuration <= 0 {
		cfg.Budget.MaxDuration = def.MaxDuration
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = def.ToolTimeout
	}
	if tools == nil {
		tools = domain.NewToolRegistry()
	}
	if tracer == nil {
		tracer = NewTraceCollector(logger, bus, nil)
	}
	return &Controller{
		logger:     logger,
		analyzer:   analyzer,
		answerer:   answerer,
		tools:      tools,
		decomposer: decomposer,
		tracer:     tracer,
		bus:        bus,
		cfg:        cfg,
	}
}

// Tools exposes the registry the controller dispatches to.
func (c *Controller) Tools() *domain.ToolRegistry { return c.tools }

// scope is the per-drive state shared by the top-level loop and its sub-loops.
type scope struct {
	parent      context.Context
	ctx         context.Context // parent + remaining duration budget + trace
	run         *domain.Run
	logger      *slog.Logger
	started     time.Time
	abortReason string // set once the whole run must stop
}

// resolution is the outcome of one loop (top-level or sub-query).
type resolution struct {
	state   domain.LoopState
	answer  string
	missing []string
	reason  string
}

// Start drives a fresh run (state REASON) until it terminates or suspends.
func (c *Controller) Start(ctx context.Context, run *domain.Run) error {
	if run.State != domain.StateReason || run.Trajectory.Len() > 0 {
		return fmt.Errorf("run %s: cannot start from state %s", run.ID, run.State)
	}
	if run.Query.IsBlank() {
		return domain.ErrEmptyQuery
	}
	c.drive(ctx, run)
	return nil
}

// Resume merges the caller's response into a suspended run and continues it.
// The first REASON step after resuming is not charged to the iteration budget.
func (c *Controller) Resume(ctx context.Context, run *domain.Run, response string) error {
	if run.State != domain.StateClarifyWait {
		return fmt.Errorf("run %s in state %s: %w", run.ID, run.State, domain.ErrNoPendingClarification)
	}

	run.Context.Append(domain.SegmentClarification, clarificationPrefix+strings.TrimSpace(response))
	run.Pending = nil
	if err := run.Transition(domain.EventResume); err != nil {
		return err
	}
	run.Resumed = true
	c.publish(run, EventTypeState, map[string]interface{}{"state": run.State, "event": domain.EventResume})

	c.drive(ctx, run)
	return nil
}

func (c *Controller) drive(ctx context.Context, run *domain.Run) {
	started := time.Now()
	remaining := c.cfg.Budget.MaxDuration - run.Elapsed
	if remaining < 0 {
		remaining = 0
	}

	traceCtx, traceID := c.tracer.StartRun(ctx, run)
	run.TraceID = traceID

	loopCtx, cancel := context.WithTimeout(traceCtx, remaining)
	defer cancel()

	sc := &scope{
		parent:  ctx,
		ctx:     loopCtx,
		run:     run,
		started: started,
		logger:  c.logger.With("session_id", string(run.SessionID), "run_id", string(run.ID)),
	}

	res := c.resolve(sc, run.Query, 0)
	run.Elapsed += time.Since(started)

	switch res.state {
	case domain.StateDone:
		run.Answer = res.answer
		c.tracer.FinishRun(traceID, domain.SpanStatusOK, "")
	case domain.StateAborted:
		run.Answer = res.answer
		run.AbortReason = res.reason
		status := domain.SpanStatusError
		if res.reason == AbortCancelled {
			status = domain.SpanStatusCancelled
		}
		c.tracer.FinishRun(traceID, status, "aborted: "+res.reason)
	case domain.StateClarifyWait:
		run.Pending = domain.NewClarification(res.missing)
		c.tracer.FinishRun(traceID, domain.SpanStatusOK, "")
	}

	reply := map[string]interface{}{"state": run.State}
	if run.Pending != nil {
		reply["clarification"] = run.Pending
	} else {
		reply["answer"] = run.Answer
	}
	c.publish(run, EventTypeReply, reply)

	recordRun(string(run.State), run.AbortReason, run.Iterations)
	sc.logger.Info("run step finished",
		"state", run.State,
		"iterations", run.Iterations,
		"steps", run.Trajectory.Len(),
		"elapsed", run.Elapsed.Round(time.Millisecond).String(),
		"abort_reason", run.AbortReason,
	)
}

// resolve runs the loop for q at depth. Depth 0 drives the run's own state;
// sub-queries use a private state machine.
func (c *Controller) resolve(sc *scope, q domain.Query, depth int) resolution {
	m := &machine{c: c, run: sc.run, state: domain.StateReason, depth: depth}
	if depth == 0 {
		m.state = sc.run.State
	}
	logger := sc.logger.With("depth", depth)

	for {
		free := depth == 0 && sc.run.Resumed
		if reason := c.budgetCheck(sc, free); reason != "" {
			return c.abort(sc, m, q, reason)
		}

		// REASON
		if free {
			sc.run.Resumed = false
		} else {
			sc.run.Iterations++
		}

		decision, err := c.analyze(sc, q, depth)
		if err != nil {
			return c.abort(sc, m, q, c.stopReason(sc))
		}
		action := decision.PrimaryAction()
		recordDecision(string(action), decision.Fallback)
		logger.Debug("decision", "action", action, "iteration", sc.run.Iterations, "fallback", decision.Fallback)

		switch action {
		case domain.ActionAnswer:
			return c.finish(sc, m, q, domain.EventAnswer)

		case domain.ActionDecompose:
			if depth >= c.cfg.MaxDepth || c.decomposer == nil {
				logger.Info("decomposition depth cap reached, answering directly", "max_depth", c.cfg.MaxDepth)
				return c.finish(sc, m, q, domain.EventAnswer)
			}
			return c.decompose(sc, m, q, decision, depth)

		case domain.ActionTool:
			name := domain.NormalizeToolName(decision.Tool())
			if !c.tools.Has(name) {
				logger.Warn("decision named an unknown tool", "tool", name)
				sc.run.Context.Append(domain.SegmentNote, fmt.Sprintf("Note: the requested tool %q is not available.", name))
				return c.finish(sc, m, q, domain.EventAnswer)
			}
			input := decision.ToolInput
			if input == "" {
				input = strings.TrimSpace(q.String())
			}
			m.fire(domain.EventTool)
			if reason := c.act(sc, name, input, depth); reason != "" {
				return c.abort(sc, m, q, reason)
			}
			m.fire(domain.EventObserved)

		case domain.ActionClarify:
			if depth > 0 {
				// sub-queries cannot suspend the run; answer with what is known
				return c.finish(sc, m, q, domain.EventAnswer)
			}
			m.fire(domain.EventClarify)
			return resolution{state: domain.StateClarifyWait, missing: decision.MissingInformation}
		}
	}
}

// budgetCheck returns the abort reason, or "" when the loop may continue.
func (c *Controller) budgetCheck(sc *scope, free bool) string {
	if sc.abortReason != "" {
		return sc.abortReason
	}
	if sc.parent.Err() != nil {
		return AbortCancelled
	}
	if sc.ctx.Err() != nil {
		return AbortDuration
	}
	if !free && sc.run.Iterations >= c.cfg.Budget.MaxIterations {
		return AbortIterations
	}
	return ""
}

func (c *Controller) stopReason(sc *scope) string {
	switch {
	case sc.parent.Err() != nil:
		return AbortCancelled
	case sc.ctx.Err() != nil:
		return AbortDuration
	default:
		return AbortModelError
	}
}

func (c *Controller) analyze(sc *scope, q domain.Query, depth int) (domain.Decision, error) {
	spanCtx, span := c.tracer.StartSpan(sc.ctx, "analyze", domain.SpanKindAnalyze, q.String(), map[string]string{
		"depth":     fmt.Sprint(depth),
		"iteration": fmt.Sprint(sc.run.Iterations),
	})

	decision, err := c.analyzer.Analyze(spanCtx, q, sc.run.Context.Current())
	if err != nil {
		c.tracer.EndSpan(span, domain.SpanStatusError, "", err.Error())
		return domain.Decision{}, err
	}
	out, _ := json.Marshal(decision)
	c.tracer.EndSpan(span, domain.SpanStatusOK, string(out), "")
	c.publish(sc.run, EventTypeDecision, map[string]interface{}{
		"depth":    depth,
		"action":   decision.PrimaryAction(),
		"decision": decision,
	})
	return decision, nil
}

// toolTimeout is the tool's own timeout, or the configured default.
func (c *Controller) toolTimeout(name string) time.Duration {
	if tool, ok := c.tools.Get(name); ok && tool.Timeout > 0 {
		return tool.Timeout
	}
	return c.cfg.ToolTimeout
}

// act runs one tool call and merges its observation. A result that arrives
// after cancellation or budget expiry is discarded and the abort reason returned.
func (c *Controller) act(sc *scope, name, input string, depth int) string {
	logger := sc.logger.With("tool", name, "depth", depth)
	if n := sc.run.Trajectory.CountCalls(name, input); n > 0 {
		toolDuplicateCallsTotal.WithLabelValues(name).Inc()
		logger.Info("repeating an earlier tool call", "previous_calls", n)
	}

	toolCtx, cancel := context.WithTimeout(sc.ctx, c.toolTimeout(name))
	spanCtx, span := c.tracer.StartSpan(toolCtx, "tool."+name, domain.SpanKindTool, input, map[string]string{"tool": name})

	start := time.Now()
	out, err := c.tools.Invoke(spanCtx, name, input)
	cancel()
	elapsed := time.Since(start)

	if sc.parent.Err() != nil || sc.ctx.Err() != nil {
		recordToolCall(name, "discarded", elapsed)
		c.tracer.EndSpan(span, domain.SpanStatusCancelled, "", "result discarded")
		logger.Warn("tool result discarded after loop stopped")
		return c.stopReason(sc)
	}

	step := domain.StepRecord{
		Action: domain.ActionTool,
		Tool:   name,
		Input:  input,
		Depth:  depth,
		At:     start,
	}
	if err != nil {
		step.Observation = "Error: " + err.Error()
		step.Failed = true
		sc.run.Context.Append(domain.SegmentToolOutput, formatToolFailure(name, input, err))
		recordToolCall(name, "error", elapsed)
		c.tracer.EndSpan(span, domain.SpanStatusError, "", err.Error())
		logger.Warn("tool failed", "error", err)
	} else {
		step.Observation = out
		sc.run.Context.Append(domain.SegmentToolOutput, formatObservation(name, input, out))
		recordToolCall(name, "ok", elapsed)
		c.tracer.EndSpan(span, domain.SpanStatusOK, out, "")
		logger.Info("tool executed", "observation", truncate(out, 200))
	}
	sc.run.Trajectory.Append(step)

	c.publish(sc.run, EventTypeObservation, map[string]interface{}{
		"tool":        name,
		"input":       truncate(input, 500),
		"observation": truncate(step.Observation, 500),
		"failed":      step.Failed,
		"depth":       depth,
	})
	return ""
}

func (c *Controller) decompose(sc *scope, m *machine, q domain.Query, decision domain.Decision, depth int) resolution {
	spanCtx, span := c.tracer.StartSpan(sc.ctx, "decompose", domain.SpanKindDecompose, q.String(), map[string]string{"depth": fmt.Sprint(depth)})

	resolveSub := func(ctx context.Context, sub domain.Query) (string, error) {
		c.publish(sc.run, EventTypeSubQuery, map[string]interface{}{"sub_query": sub, "depth": depth + 1})
		res := c.resolve(sc, sub, depth+1)
		switch {
		case sc.abortReason != "":
			return "", errResolutionHalted
		case res.state != domain.StateDone:
			return "", fmt.Errorf("sub-query ended in %s (%s)", res.state, res.reason)
		}
		return res.answer, nil
	}

	answer, err := c.decomposer.Resolve(spanCtx, sc.run.Context, q, decision, resolveSub)
	if segs := sc.run.Context.Segments(); len(segs) > 0 && segs[len(segs)-1].Kind == domain.SegmentSubAnswers {
		sc.run.LastAnswer = segs[len(segs)-1].Text
	}

	switch {
	case err == nil:
		c.tracer.EndSpan(span, domain.SpanStatusOK, answer, "")
		m.fire(domain.EventDecomposed)
		return resolution{state: domain.StateDone, answer: answer}
	case errors.Is(err, errNoSubQueries):
		c.tracer.EndSpan(span, domain.SpanStatusOK, "", err.Error())
		return c.finish(sc, m, q, domain.EventAnswer)
	case errors.Is(err, errResolutionHalted):
		c.tracer.EndSpan(span, domain.SpanStatusCancelled, "", err.Error())
		return c.abort(sc, m, q, sc.abortReason)
	default:
		c.tracer.EndSpan(span, domain.SpanStatusError, "", err.Error())
		return c.abort(sc, m, q, c.stopReason(sc))
	}
}

// finish generates the answer for q from the current context and terminates the loop.
func (c *Controller) finish(sc *scope, m *machine, q domain.Query, ev domain.LoopEvent) resolution {
	answer, err := c.generateAnswer(sc.ctx, q, sc.run.Context.Current())
	if err != nil {
		sc.logger.Warn("answer generation failed", "depth", m.depth, "error", err)
		return c.abort(sc, m, q, c.stopReason(sc))
	}
	m.fire(ev)
	return resolution{state: domain.StateDone, answer: answer}
}

func (c *Controller) generateAnswer(ctx context.Context, q domain.Query, knowledge string) (string, error) {
	spanCtx, span := c.tracer.StartSpan(ctx, "answer", domain.SpanKindAnswer, q.String(), nil)
	answer, err := c.answerer.Answer(spanCtx, q, knowledge)
	if err != nil {
		c.tracer.EndSpan(span, domain.SpanStatusError, "", err.Error())
		return "", err
	}
	c.tracer.EndSpan(span, domain.SpanStatusOK, answer, "")
	return answer, nil
}

// abort ends the loop for q. Budget exhaustion and cancellation stop the
// whole run; a model failure inside a sub-query only fails that sub-query.
func (c *Controller) abort(sc *scope, m *machine, q domain.Query, reason string) resolution {
	if reason != AbortModelError {
		sc.abortReason = reason
	}
	if m.depth > 0 {
		return resolution{state: domain.StateAborted, reason: reason}
	}

	ev := domain.EventBudget
	switch reason {
	case AbortCancelled:
		ev = domain.EventCancel
	case AbortModelError:
		ev = domain.EventFailure
	}
	m.fire(ev)

	var cause error = &domain.BudgetExceededError{Iterations: sc.run.Iterations, Elapsed: sc.run.Elapsed + time.Since(sc.started), Reason: reason}
	if reason == AbortCancelled || reason == AbortModelError {
		cause = fmt.Errorf("run %s: %s", sc.run.ID, reason)
	}
	sc.logger.Warn("run aborted", "reason", reason, "iterations", sc.run.Iterations, "error", cause)
	return resolution{state: domain.StateAborted, answer: c.partialAnswer(sc, q, reason), reason: reason}
}

// partialAnswer is the best answer available to an aborted run. Only an
// iteration abort still has time left to ask the model.
func (c *Controller) partialAnswer(sc *scope, q domain.Query, reason string) string {
	if reason == AbortIterations && sc.ctx.Err() == nil {
		if answer, err := c.generateAnswer(sc.ctx, q, sc.run.Context.Current()); err == nil {
			return answer
		}
	}
	if sc.run.LastAnswer != "" {
		return sc.run.LastAnswer
	}
	return domain.UnableToCompleteMarker
}

func (c *Controller) publish(run *domain.Run, typ EventType, data map[string]interface{}) {
	if c.bus == nil {
		return
	}
	data["run_id"] = run.ID
	payload, _ := json.Marshal(data)
	c.bus.Publish(Event{
		Topic:     string(run.SessionID),
		Type:      typ,
		Data:      string(payload),
		Timestamp: time.Now().UnixMilli(),
	})
}

// machine applies loop events. At depth 0 it drives the run's state.
type machine struct {
	c     *Controller
	run   *domain.Run
	state domain.LoopState
	depth int
}

func (m *machine) fire(ev domain.LoopEvent) {
	next, err := domain.NextState(m.state, ev)
	if err != nil {
		m.c.logger.Error("invalid loop transition", "state", m.state, "event", ev, "error", err)
		return
	}
	m.state = next
	if m.depth > 0 {
		return
	}
	m.run.State = next
	m.run.UpdatedAt = time.Now()
	m.c.publish(m.run, EventTypeState, map[string]interface{}{"state": next, "event": ev})
}
