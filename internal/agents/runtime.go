package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/amtsauskunft/orchestrator/internal/metrics"
	"github.com/amtsauskunft/orchestrator/internal/models"
)

// EventHook receives runtime progress notifications (agent_started,
// agent_done). The hook must not block; the bus behind it is buffered.
type EventHook func(kind string, payload map[string]interface{})

// Runtime dispatches selected agents with bounded parallelism inside one
// run's cancellation scope.
type Runtime struct {
	registry       *Registry
	maxParallel    int
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// NewRuntime builds a runtime. maxParallel defaults to 6.
func NewRuntime(registry *Registry, maxParallel int, defaultTimeout time.Duration, logger *zap.Logger) *Runtime {
	if maxParallel <= 0 {
		maxParallel = 6
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 8 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		registry:       registry,
		maxParallel:    maxParallel,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Dispatch runs the selection concurrently. Results are collected in
// completion order internally but returned in selection order. Any
// agent's failure or timeout yields a well-formed AgentResult and never
// aborts siblings. Cancellation of ctx turns unfinished agents into
// cancelled results; agents that finished before cancellation keep their
// results.
func (rt *Runtime) Dispatch(ctx context.Context, selection []string, in Input, hook EventHook) []models.AgentResult {
	if hook == nil {
		hook = func(string, map[string]interface{}) {}
	}
	results := make([]models.AgentResult, len(selection))
	sem := semaphore.NewWeighted(int64(rt.maxParallel))

	done := make(chan int, len(selection))
	for i, agentID := range selection {
		i, agentID := i, agentID
		go func() {
			defer func() { done <- i }()
			results[i] = rt.runOne(ctx, agentID, in, sem, hook)
		}()
	}
	for range selection {
		<-done
	}
	return results
}

func (rt *Runtime) runOne(ctx context.Context, agentID string, in Input,
	sem *semaphore.Weighted, hook EventHook) models.AgentResult {

	start := time.Now()
	fail := func(status models.AgentStatus, reason string) models.AgentResult {
		res := models.AgentResult{
			AgentID:   agentID,
			Status:    status,
			Reason:    reason,
			LatencyMs: time.Since(start).Milliseconds(),
		}
		metrics.AgentExecutions.WithLabelValues(agentID, string(status)).Inc()
		hook(models.EventAgentDone, map[string]interface{}{
			"agent_id": agentID, "status": string(status), "reason": reason,
		})
		return res
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return fail(models.AgentCancelled, "run cancelled before dispatch")
	}
	defer sem.Release(1)

	desc, ok := rt.registry.Describe(agentID)
	if !ok {
		return fail(models.AgentFailed, "agent not registered")
	}

	// Per-agent deadline: min(global remaining, agent hint).
	timeout := desc.TimeoutHint
	if timeout <= 0 {
		timeout = rt.defaultTimeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return fail(models.AgentTimeout, "no time remaining")
	}

	handle, err := rt.registry.Acquire(ctx, agentID, timeout)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return fail(models.AgentCancelled, "cancelled while waiting for slot")
		case errors.Is(err, models.ErrBusy):
			return fail(models.AgentTimeout, "concurrency cap saturated")
		default:
			return fail(models.AgentFailed, err.Error())
		}
	}
	defer handle.Release()

	hook(models.EventAgentStarted, map[string]interface{}{"agent_id": agentID})

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := handle.Agent.Execute(execCtx, in)
	latency := time.Since(start)

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		return fail(models.AgentCancelled, "cancelled mid-execution")
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		return fail(models.AgentTimeout, fmt.Sprintf("deadline %s exceeded", timeout))
	case err != nil:
		return fail(models.AgentFailed, err.Error())
	}

	if reason, ok := validate(res); !ok {
		// Invalid output shape is a contract violation, not a crash.
		rt.logger.Warn("Agent returned ill-formed result",
			zap.String("agent_id", agentID), zap.String("reason", reason))
		return fail(models.AgentFailed, "contract: "+reason)
	}

	res.AgentID = agentID
	res.Status = models.AgentOK
	res.LatencyMs = latency.Milliseconds()
	metrics.AgentExecutions.WithLabelValues(agentID, string(models.AgentOK)).Inc()
	metrics.AgentExecutionDuration.WithLabelValues(agentID).Observe(float64(latency.Milliseconds()))
	hook(models.EventAgentDone, map[string]interface{}{
		"agent_id": agentID, "status": string(models.AgentOK),
		"confidence": res.Confidence, "latency_ms": res.LatencyMs,
	})
	return res
}

// validate checks the output shape of an agent result.
func validate(res models.AgentResult) (string, bool) {
	if res.Confidence < 0 || res.Confidence > 1 {
		return fmt.Sprintf("confidence %v outside [0,1]", res.Confidence), false
	}
	if res.Summary == "" && len(res.StructuredFields) == 0 && len(res.ProducedSources) == 0 {
		return "empty result: no summary, fields or sources", false
	}
	for _, s := range res.ProducedSources {
		if s.Content == "" {
			return "produced source without content", false
		}
	}
	return "", true
}
