package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
	"github.com/manthysbr/quickloan-kb/internal/core/ports"
)

const testOverview = "The Quick Loan platform is a loan application system built with Spring Boot and React."

func newTestController(analyzer ports.Analyzer, answerer ports.Answerer, tools *domain.ToolRegistry, cfg ControllerConfig) *Controller {
	logger := testLogger()
	return NewController(logger, analyzer, answerer, tools, NewDecomposer(logger, answerer, 5), nil, nil, cfg)
}

func defaultTestConfig() ControllerConfig {
	return ControllerConfig{
		Budget:      domain.Budget{MaxIterations: 10, MaxDuration: 5 * time.Second},
		MaxDepth:    1,
		ToolTimeout: time.Second,
	}
}

func registryWith(t *testing.T, tools ...*domain.Tool) *domain.ToolRegistry {
	t.Helper()
	reg := domain.NewToolRegistry()
	for _, tool := range tools {
		require.NoError(t, reg.Register(tool))
	}
	return reg
}

func startRun(t *testing.T, c *Controller, q string) *domain.Run {
	t.Helper()
	run := domain.NewRun("ses-test", domain.Query(q), testOverview)
	require.NoError(t, c.Start(context.Background(), run))
	return run
}

func TestController_AnswerFromContext(t *testing.T) {
	analyzer := analyzerSequence(domain.Decision{CanAnswer: true})
	answerer := &echoAnswerer{}
	rec := &recordingTool{}
	tools := registryWith(t, rec.tool(ToolDatabase, func(ctx context.Context, input string) (string, error) { return "rows", nil }))
	c := newTestController(analyzer, answerer, tools, defaultTestConfig())

	run := startRun(t, c, "What is the Quick Loan platform?")

	assert.Equal(t, domain.StateDone, run.State)
	assert.Equal(t, 1, run.Iterations, "exactly one REASON step")
	assert.Len(t, analyzer.Calls(), 1)
	assert.Empty(t, rec.Calls(), "no tool may be invoked")
	assert.Equal(t, 0, run.Trajectory.Len())
	assert.Equal(t, "answer(What is the Quick Loan platform?)", run.Answer)

	// answer derived only from the existing context
	require.Len(t, answerer.Knowledge(), 1)
	assert.Equal(t, testOverview, answerer.Knowledge()[0])
}

func TestController_DatabaseToolThenAnswer(t *testing.T) {
	analyzer := analyzerFunc(func(_ int, q domain.Query, knowledge string) (domain.Decision, error) {
		if strings.Contains(knowledge, "returned:") {
			return domain.Decision{CanAnswer: true}, nil
		}
		return domain.ToolDecision(ToolDatabase, "SELECT COUNT(*) FROM loan_applications WHERE status = 'APPROVED'"), nil
	})
	answerer := &echoAnswerer{}
	rec := &recordingTool{}
	tools := registryWith(t, rec.tool(ToolDatabase, func(ctx context.Context, input string) (string, error) {
		return "count_star()\n42", nil
	}))
	c := newTestController(analyzer, answerer, tools, defaultTestConfig())

	run := startRun(t, c, "How many active loans?")

	assert.Equal(t, domain.StateDone, run.State)
	require.Len(t, rec.Calls(), 1, "exactly one invoke")
	assert.Equal(t, ToolDatabase, rec.Calls()[0].Name)

	calls := analyzer.Calls()
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0].Knowledge, "42")
	assert.Contains(t, calls[1].Knowledge, "count_star()\n42", "observation merged before the next REASON step")
	assert.Contains(t, run.Context.Current(), "42")

	require.Equal(t, 1, run.Trajectory.Len())
	step, _ := run.Trajectory.Last()
	assert.Equal(t, domain.ActionTool, step.Action)
	assert.False(t, step.Failed)
	assert.Equal(t, 2, run.Iterations)
}

func TestController_OneInvokePerToolDecision(t *testing.T) {
	analyzer := analyzerSequence(
		domain.ToolDecision(ToolDatabase, "SELECT 1"),
		domain.ToolDecision(ToolDatabase, "SELECT 2"),
		domain.Decision{CanAnswer: true},
	)
	rec := &recordingTool{}
	tools := registryWith(t, rec.tool(ToolDatabase, func(ctx context.Context, input string) (string, error) {
		return "ok " + input, nil
	}))
	c := newTestController(analyzer, &echoAnswerer{}, tools, defaultTestConfig())

	run := startRun(t, c, "compare two numbers")

	assert.Equal(t, domain.StateDone, run.State)
	assert.Equal(t, []toolCall{{ToolDatabase, "SELECT 1"}, {ToolDatabase, "SELECT 2"}}, rec.Calls())
	assert.Len(t, analyzer.Calls(), 3)
	assert.Equal(t, 2, run.Trajectory.Len())
}

func TestController_DuplicateToolCallsAreNotDeduplicated(t *testing.T) {
	analyzer := analyzerSequence(
		domain.ToolDecision(ToolDatabase, "SELECT 1"),
		domain.ToolDecision(ToolDatabase, "SELECT 1"),
		domain.Decision{CanAnswer: true},
	)
	rec := &recordingTool{}
	tools := registryWith(t, rec.tool(ToolDatabase, func(ctx context.Context, input string) (string, error) { return "1", nil }))
	c := newTestController(analyzer, &echoAnswerer{}, tools, defaultTestConfig())

	run := startRun(t, c, "one?")

	assert.Len(t, rec.Calls(), 2)
	assert.Equal(t, 2, run.Trajectory.CountCalls(ToolDatabase, "SELECT 1"))
	assert.Equal(t, 2, strings.Count(run.Context.Current(), "returned:\n1"), "both observations are kept")
}

func TestController_DefaultToolInputIsQuery(t *testing.T) {
	analyzer := analyzerSequence(domain.ToolDecision(ToolDocuments, ""), domain.Decision{CanAnswer: true})
	rec := &recordingTool{}
	tools := registryWith(t, rec.tool(ToolDocuments, func(ctx context.Context, input string) (string, error) { return "doc", nil }))
	c := newTestController(analyzer, &echoAnswerer{}, tools, defaultTestConfig())

	startRun(t, c, "  loan approval policy  ")

	require.Len(t, rec.Calls(), 1)
	assert.Equal(t, "loan approval policy", rec.Calls()[0].Input)
}

func TestController_ToolFailingRepeatedlyHitsIterationBudget(t *testing.T) {
	analyzer := analyzerSequence(domain.ToolDecision(ToolDatabase, "SELECT * FROM loans"))
	rec := &recordingTool{}
	tools := registryWith(t, rec.tool(ToolDatabase, func(ctx context.Context, input string) (string, error) {
		return "", errors.New("relation \"loans\" does not exist")
	}))
	cfg := defaultTestConfig()
	cfg.Budget.MaxIterations = 3
	c := newTestController(analyzer, &echoAnswerer{}, tools, cfg)

	run := startRun(t, c, "How many active loans?")

	assert.Equal(t, domain.StateAborted, run.State)
	assert.Equal(t, AbortIterations, run.AbortReason)
	assert.Equal(t, 3, run.Iterations)
	assert.Len(t, rec.Calls(), 3)
	assert.LessOrEqual(t, run.Trajectory.Len(), cfg.Budget.MaxIterations)
	for _, step := range run.Trajectory.Steps() {
		assert.True(t, step.Failed)
		assert.True(t, strings.HasPrefix(step.Observation, "Error: "), step.Observation)
	}
	// partial answer generated from the accumulated context
	assert.Equal(t, "answer(How many active loans?)", run.Answer)
	assert.Contains(t, run.Context.Current(), "does not exist")
}

func TestController_AbortWithoutAnswerReturnsMarker(t *testing.T) {
	analyzer := analyzerSequence(domain.ToolDecision(ToolDatabase, "x"))
	tools := registryWith(t, (&recordingTool{}).tool(ToolDatabase, func(ctx context.Context, input string) (string, error) {
		return "", errors.New("boom")
	}))
	cfg := defaultTestConfig()
	cfg.Budget.MaxIterations = 2
	c := newTestController(analyzer, &echoAnswerer{answerErr: errors.New("model offline")}, tools, cfg)

	run := startRun(t, c, "How many active loans?")

	assert.Equal(t, domain.StateAborted, run.State)
	assert.Equal(t, domain.UnableToCompleteMarker, run.Answer)
}

func TestController_TrajectoryNeverExceedsMaxIterations(t *testing.T) {
	for max := 1; max <= 6; max++ {
		t.Run(fmt.Sprintf("max=%d", max), func(t *testing.T) {
			analyzer := analyzerFunc(func(call int, _ domain.Query, _ string) (domain.Decision, error) {
				return domain.ToolDecision(ToolDatabase, fmt.Sprintf("SELECT %d", call)), nil
			})
			tools := registryWith(t, (&recordingTool{}).tool(ToolDatabase, func(ctx context.Context, input string) (string, error) {
				return "row", nil
			}))
			cfg := defaultTestConfig()
			cfg.Budget.MaxIterations = max
			c := newTestController(analyzer, &echoAnswerer{}, tools, cfg)

			run := startRun(t, c, "loop forever")

			assert.Equal(t, domain.StateAborted, run.State)
			assert.LessOrEqual(t, run.Trajectory.Len(), max)
			assert.LessOrEqual(t, run.Iterations, max)
		})
	}
}

func TestController_ContextIsAppendOnly(t *testing.T) {
	analyzer := analyzerSequence(
		domain.ToolDecision(ToolDatabase, "a"),
		domain.ToolDecision(ToolDatabase, "b"),
		domain.ToolDecision(ToolDatabase, "c"),
		domain.Decision{CanAnswer: true},
	)
	tools := registryWith(t, (&recordingTool{}).tool(ToolDatabase, func(ctx context.Context, input string) (string, error) {
		return "out-" + input, nil
	}))
	c := newTestController(analyzer, &echoAnswerer{}, tools, defaultTestConfig())

	run := startRun(t, c, "q")

	calls := analyzer.Calls()
	require.Len(t, calls, 4)
	for i := 1; i < len(calls); i++ {
		assert.True(t, strings.HasPrefix(calls[i].Knowledge, calls[i-1].Knowledge), "context at step %d dropped earlier segments", i)
		assert.Greater(t, len(calls[i].Knowledge), len(calls[i-1].Knowledge))
	}
	assert.Len(t, run.Context.Segments(), 4)
}

func TestController_ClarifyAndResume(t *testing.T) {
	analyzer := analyzerFunc(func(_ int, _ domain.Query, knowledge string) (domain.Decision, error) {
		if strings.Contains(knowledge, clarificationPrefix) {
			return domain.Decision{CanAnswer: true}, nil
		}
		return domain.Decision{MissingInformation: []string{"which service", "which service", "time range"}}.Normalize(), nil
	})
	answerer := &echoAnswerer{}
	c := newTestController(analyzer, answerer, nil, defaultTestConfig())

	run := startRun(t, c, "Tell me about it")

	require.Equal(t, domain.StateClarifyWait, run.State)
	require.NotNil(t, run.Pending)
	assert.Equal(t, []string{"which service", "time range"}, run.Pending.Missing)
	assert.Equal(t, "I need more information to answer: which service; time range.", run.Pending.Prompt)
	assert.Equal(t, 1, run.Iterations)
	assert.Empty(t, run.Answer)

	require.NoError(t, c.Resume(context.Background(), run, "the loan application service, last week"))

	assert.Equal(t, domain.StateDone, run.State)
	assert.Equal(t, 1, run.Iterations, "the resumed REASON step is free")
	assert.Nil(t, run.Pending)
	assert.Contains(t, run.Context.Current(), clarificationPrefix+"the loan application service, last week")
	assert.Equal(t, "answer(Tell me about it)", run.Answer)
}

func TestController_ResumeSucceedsWithExhaustedIterationBudget(t *testing.T) {
	analyzer := analyzerFunc(func(_ int, _ domain.Query, knowledge string) (domain.Decision, error) {
		if strings.Contains(knowledge, clarificationPrefix) {
			return domain.Decision{CanAnswer: true}, nil
		}
		return domain.Decision{MissingInformation: []string{"subject"}}, nil
	})
	cfg := defaultTestConfig()
	cfg.Budget.MaxIterations = 1
	c := newTestController(analyzer, &echoAnswerer{}, nil, cfg)

	run := startRun(t, c, "???")
	require.Equal(t, domain.StateClarifyWait, run.State)
	require.Equal(t, 1, run.Iterations)

	require.NoError(t, c.Resume(context.Background(), run, "the schema"))
	assert.Equal(t, domain.StateDone, run.State)
	assert.Equal(t, 1, run.Iterations)
}

func TestController_ResumeRequiresClarifyWait(t *testing.T) {
	c := newTestController(analyzerSequence(domain.Decision{CanAnswer: true}), &echoAnswerer{}, nil, defaultTestConfig())
	run := startRun(t, c, "What is it?")

	err := c.Resume(context.Background(), run, "more")
	assert.ErrorIs(t, err, domain.ErrNoPendingClarification)
	assert.Equal(t, domain.StateDone, run.State)
}

func TestController_StartValidation(t *testing.T) {
	c := newTestController(analyzerSequence(domain.Decision{CanAnswer: true}), &echoAnswerer{}, nil, defaultTestConfig())

	err := c.Start(context.Background(), domain.NewRun("ses-test", "   ", ""))
	assert.ErrorIs(t, err, domain.ErrEmptyQuery)

	done := startRun(t, c, "What is it?")
	assert.Error(t, c.Start(context.Background(), done), "a finished run cannot be restarted")
}

func TestController_DecomposeCompare(t *testing.T) {
	analyzer := analyzerFunc(func(_ int, q domain.Query, _ string) (domain.Decision, error) {
		if strings.HasPrefix(q.String(), "Compare") {
			return domain.Decision{NeedsDecomposition: true, SubQueries: []domain.Query{"What is X?", "What is Y?"}}, nil
		}
		return domain.Decision{CanAnswer: true}, nil
	})
	answerer := &echoAnswerer{}
	c := newTestController(analyzer, answerer, nil, defaultTestConfig())

	run := startRun(t, c, "Compare X and Y")

	assert.Equal(t, domain.StateDone, run.State)
	assert.Equal(t, "answer(Compare X and Y)", run.Answer)

	var subSegments []domain.Segment
	for _, seg := range run.Context.Segments() {
		if seg.Kind == domain.SegmentSubAnswers {
			subSegments = append(subSegments, seg)
		}
	}
	require.Len(t, subSegments, 1, "sub-answers merged as one segment")
	assert.Contains(t, subSegments[0].Text, subAnswersHeader)
	assert.Contains(t, subSegments[0].Text, "Sub-query: What is X?\nAnswer: answer(What is X?)")
	assert.Contains(t, subSegments[0].Text, "Sub-query: What is Y?\nAnswer: answer(What is Y?)")

	// the final answer is generated with both sub-answers in context
	knowledge := answerer.Knowledge()
	final := knowledge[len(knowledge)-1]
	assert.Contains(t, final, "answer(What is X?)")
	assert.Contains(t, final, "answer(What is Y?)")
	assert.Equal(t, 3, run.Iterations, "sub-queries share the run's budget")
}

func TestController_DecompositionDepthCap(t *testing.T) {
	adversarial := analyzerFunc(func(_ int, q domain.Query, _ string) (domain.Decision, error) {
		return domain.Decision{
			NeedsDecomposition: true,
			SubQueries:         []domain.Query{domain.Query(q.String() + "/a"), domain.Query(q.String() + "/b")},
		}, nil
	})

	for _, maxDepth := range []int{0, 1, 2} {
		t.Run(fmt.Sprintf("max_depth=%d", maxDepth), func(t *testing.T) {
			analyzer := analyzerFunc(adversarial.fn)
			cfg := defaultTestConfig()
			cfg.MaxDepth = maxDepth
			c := newTestController(analyzer, &echoAnswerer{}, nil, cfg)

			run := startRun(t, c, "root")

			assert.Equal(t, domain.StateDone, run.State)
			deepest := 0
			for _, call := range analyzer.Calls() {
				if d := strings.Count(call.Query.String(), "/"); d > deepest {
					deepest = d
				}
			}
			assert.Equal(t, maxDepth, deepest, "no query below the depth cap is analyzed")

			// 1 + 2 + 4 ... analyses up to the cap
			expected := 0
			for d, width := 0, 1; d <= maxDepth; d, width = d+1, width*2 {
				expected += width
			}
			assert.Len(t, analyzer.Calls(), expected)
		})
	}
}

func TestController_SubQueryFailureIsIsolated(t *testing.T) {
	analyzer := analyzerFunc(func(_ int, q domain.Query, _ string) (domain.Decision, error) {
		if strings.HasPrefix(q.String(), "Compare") {
			return domain.Decision{NeedsDecomposition: true, SubQueries: []domain.Query{"What is X?", "What is Y?"}}, nil
		}
		return domain.Decision{CanAnswer: true}, nil
	})
	answerer := &echoAnswerer{failFor: map[domain.Query]error{"What is X?": errors.New("model hiccup")}}
	c := newTestController(analyzer, answerer, nil, defaultTestConfig())

	run := startRun(t, c, "Compare X and Y")

	assert.Equal(t, domain.StateDone, run.State)
	ctxText := run.Context.Current()
	assert.Contains(t, ctxText, "Sub-query: What is X?\nAnswer: "+unableToResolve)
	assert.Contains(t, ctxText, "Sub-query: What is Y?\nAnswer: answer(What is Y?)")
}

func TestController_ClarifyInsideSubQueryAnswersBestEffort(t *testing.T) {
	analyzer := analyzerFunc(func(_ int, q domain.Query, _ string) (domain.Decision, error) {
		if q == "top" {
			return domain.Decision{NeedsDecomposition: true, SubQueries: []domain.Query{"vague"}}, nil
		}
		return domain.Decision{MissingInformation: []string{"everything"}}, nil
	})
	c := newTestController(analyzer, &echoAnswerer{}, nil, defaultTestConfig())

	run := startRun(t, c, "top")

	assert.Equal(t, domain.StateDone, run.State)
	assert.Nil(t, run.Pending)
	assert.Contains(t, run.Context.Current(), "Answer: answer(vague)")
}

func TestController_BudgetExhaustedInsideSubQueryHaltsRun(t *testing.T) {
	analyzer := analyzerFunc(func(_ int, q domain.Query, _ string) (domain.Decision, error) {
		if q == "top" {
			return domain.Decision{NeedsDecomposition: true, SubQueries: []domain.Query{"a", "b"}}, nil
		}
		return domain.ToolDecision(ToolDatabase, "SELECT "+q.String()), nil
	})
	rec := &recordingTool{}
	tools := registryWith(t, rec.tool(ToolDatabase, func(ctx context.Context, input string) (string, error) { return "row", nil }))
	answerer := &echoAnswerer{failFor: map[domain.Query]error{"top": errors.New("model offline")}}
	cfg := defaultTestConfig()
	cfg.Budget.MaxIterations = 3
	c := newTestController(analyzer, answerer, tools, cfg)

	run := startRun(t, c, "top")

	assert.Equal(t, domain.StateAborted, run.State)
	assert.Equal(t, AbortIterations, run.AbortReason)
	assert.LessOrEqual(t, run.Trajectory.Len(), 3)
	for _, call := range analyzer.Calls() {
		assert.NotEqual(t, domain.Query("b"), call.Query, "remaining sub-queries are skipped once the budget is gone")
	}
	// the merged sub-answers are the best partial answer left
	assert.True(t, strings.HasPrefix(run.Answer, subAnswersHeader), run.Answer)
	assert.Contains(t, run.Answer, "Sub-query: b\nAnswer: "+unableToResolve)
}

func TestController_UnknownToolAnswersWithNote(t *testing.T) {
	analyzer := analyzerSequence(domain.ToolDecision("crystal_ball", "future rates"))
	rec := &recordingTool{}
	tools := registryWith(t, rec.tool(ToolDatabase, func(ctx context.Context, input string) (string, error) { return "", nil }))
	c := newTestController(analyzer, &echoAnswerer{}, tools, defaultTestConfig())

	run := startRun(t, c, "What will rates be?")

	assert.Equal(t, domain.StateDone, run.State)
	assert.Empty(t, rec.Calls())
	segs := run.Context.Segments()
	require.NotEmpty(t, segs)
	last := segs[len(segs)-1]
	assert.Equal(t, domain.SegmentNote, last.Kind)
	assert.Contains(t, last.Text, "crystal_ball")
}

func TestController_AnalyzerFailureAbortsWithModelError(t *testing.T) {
	analyzer := analyzerFunc(func(int, domain.Query, string) (domain.Decision, error) {
		return domain.Decision{}, errors.New("connection refused")
	})
	c := newTestController(analyzer, &echoAnswerer{}, nil, defaultTestConfig())

	run := startRun(t, c, "What is it?")

	assert.Equal(t, domain.StateAborted, run.State)
	assert.Equal(t, AbortModelError, run.AbortReason)
	assert.Equal(t, domain.UnableToCompleteMarker, run.Answer)
}

func TestController_CancellationDiscardsToolResult(t *testing.T) {
	started := make(chan struct{})
	analyzer := analyzerSequence(domain.ToolDecision(ToolDatabase, "SELECT pg_sleep(10)"))
	tools := registryWith(t, (&recordingTool{}).tool(ToolDatabase, func(ctx context.Context, input string) (string, error) {
		close(started)
		<-ctx.Done()
		return "late rows", nil
	}))
	c := newTestController(analyzer, &echoAnswerer{}, tools, defaultTestConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	run := domain.NewRun("ses-test", "slow query", testOverview)
	require.NoError(t, c.Start(ctx, run))

	assert.Equal(t, domain.StateAborted, run.State)
	assert.Equal(t, AbortCancelled, run.AbortReason)
	assert.Equal(t, 0, run.Trajectory.Len(), "late result is not recorded")
	assert.NotContains(t, run.Context.Current(), "late rows")
	assert.Equal(t, domain.UnableToCompleteMarker, run.Answer)
}

func TestController_DurationBudget(t *testing.T) {
	analyzer := analyzerSequence(domain.ToolDecision(ToolDatabase, "SELECT 1"))
	tools := registryWith(t, (&recordingTool{}).tool(ToolDatabase, func(ctx context.Context, input string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))
	cfg := defaultTestConfig()
	cfg.Budget.MaxDuration = 50 * time.Millisecond
	c := newTestController(analyzer, &echoAnswerer{}, tools, cfg)

	start := time.Now()
	run := startRun(t, c, "slow")

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, domain.StateAborted, run.State)
	assert.Equal(t, AbortDuration, run.AbortReason)
	assert.Equal(t, 0, run.Trajectory.Len())
	assert.Equal(t, domain.UnableToCompleteMarker, run.Answer)
}

func TestController_ClarifyWaitDoesNotCountAgainstDuration(t *testing.T) {
	analyzer := analyzerFunc(func(_ int, _ domain.Query, knowledge string) (domain.Decision, error) {
		if strings.Contains(knowledge, clarificationPrefix) {
			return domain.Decision{CanAnswer: true}, nil
		}
		return domain.Decision{MissingInformation: []string{"subject"}}, nil
	})
	cfg := defaultTestConfig()
	cfg.Budget.MaxDuration = 100 * time.Millisecond
	c := newTestController(analyzer, &echoAnswerer{}, nil, cfg)

	run := startRun(t, c, "hm?")
	require.Equal(t, domain.StateClarifyWait, run.State)

	time.Sleep(150 * time.Millisecond) // longer than the whole budget

	require.NoError(t, c.Resume(context.Background(), run, "the schema"))
	assert.Equal(t, domain.StateDone, run.State)
	assert.Less(t, run.Elapsed, cfg.Budget.MaxDuration)
}

func TestController_PublishesLoopEvents(t *testing.T) {
	bus := NewEventBus(testLogger())
	events, unsub := bus.Subscribe("ses-test")
	defer unsub()

	analyzer := analyzerSequence(domain.ToolDecision(ToolDatabase, "SELECT 1"), domain.Decision{CanAnswer: true})
	tools := registryWith(t, (&recordingTool{}).tool(ToolDatabase, func(ctx context.Context, input string) (string, error) { return "1", nil }))
	logger := testLogger()
	answerer := &echoAnswerer{}
	c := NewController(logger, analyzer, answerer, tools, NewDecomposer(logger, answerer, 5), nil, bus, defaultTestConfig())

	run := startRun(t, c, "q")
	require.Equal(t, domain.StateDone, run.State)

	var types []EventType
	var states []string
	for len(events) > 0 {
		ev := <-events
		types = append(types, ev.Type)
		if ev.Type == EventTypeState {
			var data map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(ev.Data), &data))
			states = append(states, data["state"].(string))
		}
	}
	assert.Contains(t, types, EventTypeDecision)
	assert.Contains(t, types, EventTypeObservation)
	assert.Contains(t, types, EventTypeTrace)
	assert.Equal(t, EventTypeReply, types[len(types)-1])
	assert.Equal(t, []string{"ACT", "REASON", "DONE"}, states)
}

func TestController_RecordsTrace(t *testing.T) {
	repo := newMemRepo()
	logger := testLogger()
	tracer := NewTraceCollector(logger, nil, repo)
	answerer := &echoAnswerer{}
	analyzer := analyzerSequence(domain.ToolDecision(ToolDatabase, "SELECT 1"), domain.Decision{CanAnswer: true})
	tools := registryWith(t, (&recordingTool{}).tool(ToolDatabase, func(ctx context.Context, input string) (string, error) { return "1", nil }))
	c := NewController(logger, analyzer, answerer, tools, NewDecomposer(logger, answerer, 5), tracer, nil, defaultTestConfig())

	run := startRun(t, c, "How many?")
	require.NotEmpty(t, run.TraceID)

	trace, err := tracer.GetTrace(run.TraceID)
	require.NoError(t, err)
	assert.Equal(t, domain.SpanStatusOK, trace.Status)
	assert.Equal(t, run.ID, trace.RunID)

	kinds := map[domain.SpanKind]int{}
	for _, span := range trace.Spans {
		kinds[span.Kind]++
	}
	assert.Equal(t, 1, kinds[domain.SpanKindRun])
	assert.Equal(t, 2, kinds[domain.SpanKindAnalyze])
	assert.Equal(t, 1, kinds[domain.SpanKindTool])
	assert.Equal(t, 1, kinds[domain.SpanKindAnswer])

	assert.True(t, waitFor(func() bool { return repo.traceCount() == 1 }), "finished trace is persisted")
}

func TestController_WithLLMAnalyzerFallsBackOnGarbage(t *testing.T) {
	llm := newScriptedLLM().
		on(kindAnalysis, "I think you should look it up", "still not json").
		otherwise(kindAnswer, "Quick Loan approves applications automatically.")
	logger := testLogger()
	prompts := NewPromptBuilder("the Quick Loan platform", nil, 0)
	analyzer := NewLLMAnalyzer(logger, llm, prompts, time.Second)
	answerer := NewLLMAnswerer(logger, llm, prompts, time.Second, 5)
	c := newTestController(analyzer, answerer, nil, defaultTestConfig())

	run := startRun(t, c, "How are applications approved?")

	assert.Equal(t, domain.StateDone, run.State)
	assert.Equal(t, "Quick Loan approves applications automatically.", run.Answer)
	analysis := llm.calls(kindAnalysis)
	require.Len(t, analysis, 2, "one retry")
	assert.NotContains(t, analysis[0], formatReminder)
	assert.Contains(t, analysis[1], formatReminder)
}

func TestController_WithKeywordAnalyzerEndToEnd(t *testing.T) {
	store := &mockLoanStore{}
	store.On("QueryRows", mockAnyCtx, cannedQueries[len(cannedQueries)-1].sql).
		Return([]string{"status", "applications"}, [][]string{{"APPROVED", "12"}, {"PENDING", "3"}}, nil).Once()

	tools, err := BuildToolRegistry(ToolDeps{Store: store})
	require.NoError(t, err)
	analyzer := NewKeywordAnalyzer("the Quick Loan platform", tools)
	answerer := NewExtractiveAnswerer("the Quick Loan platform", 5)
	c := newTestController(analyzer, answerer, tools, defaultTestConfig())

	run := startRun(t, c, "How many applications were approved?")

	assert.Equal(t, domain.StateDone, run.State)
	assert.Equal(t, 1, run.Trajectory.Len())
	assert.Contains(t, run.Answer, "APPROVED")
	store.AssertExpectations(t)
}

func TestController_ToolTimeoutOverride(t *testing.T) {
	var remaining time.Duration
	slow := (&recordingTool{}).tool(ToolUser, func(ctx context.Context, input string) (string, error) {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		remaining = time.Until(deadline)
		return "the approval step", nil
	})
	slow.Timeout = 3 * time.Second
	analyzer := analyzerSequence(domain.ToolDecision(ToolUser, "Which step?"), domain.Decision{CanAnswer: true})
	c := newTestController(analyzer, &echoAnswerer{}, registryWith(t, slow), defaultTestConfig())

	run := startRun(t, c, "Explain the step")
	assert.Equal(t, domain.StateDone, run.State)
	assert.Greater(t, remaining, 2*time.Second, "the tool's own timeout replaces the 1s default")
}
