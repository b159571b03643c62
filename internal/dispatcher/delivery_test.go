package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/buildrelay/buildrelay/internal/channel"
	"github.com/buildrelay/buildrelay/internal/domain"
)

func transientErr(msg string) error {
	return &channel.ChannelError{StatusCode: 503, Message: msg, Transient: true}
}

func permanentErr(msg string) error {
	return &channel.ChannelError{StatusCode: 400, Message: msg, Transient: false}
}

func deliverOnce(t *testing.T, h *testHarness, plugin *fakePlugin) domain.DeliveryAttempt {
	t.Helper()

	config := webhookConfig("cfg-1")
	h.dispatcher.deliver(context.Background(), config, terminalEvent("build-1"), plugin)

	last, ok := h.attempts.lastUpdate()
	if !ok {
		t.Fatal("no outcome recorded")
	}
	return last
}

func TestDeliverSucceedsFirstTry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, nil)
	plugin := &fakePlugin{}

	last := deliverOnce(t, h, plugin)

	if last.Outcome != domain.OutcomeSucceeded {
		t.Fatalf("outcome = %s, want SUCCEEDED", last.Outcome)
	}
	if last.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", last.AttemptCount)
	}
	if last.LastError != nil {
		t.Fatalf("last error = %q, want nil", *last.LastError)
	}
	if plugin.callCount() != 1 {
		t.Fatalf("deliver calls = %d, want 1", plugin.callCount())
	}
}

func TestDeliverRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{MaxAttempts: 3}, nil)
	plugin := &fakePlugin{
		deliverFn: func(call int, _ domain.BuildEvent) error {
			if call < 3 {
				return transientErr("upstream busy")
			}
			return nil
		},
	}

	last := deliverOnce(t, h, plugin)

	if last.Outcome != domain.OutcomeSucceeded {
		t.Fatalf("outcome = %s, want SUCCEEDED", last.Outcome)
	}
	if last.AttemptCount != 3 {
		t.Fatalf("attempt count = %d, want 3", last.AttemptCount)
	}
	if plugin.callCount() != 3 {
		t.Fatalf("deliver calls = %d, want 3", plugin.callCount())
	}
}

func TestDeliverExhaustsRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{MaxAttempts: 3}, nil)
	plugin := &fakePlugin{
		deliverFn: func(int, domain.BuildEvent) error {
			return transientErr("still down")
		},
	}

	last := deliverOnce(t, h, plugin)

	if last.Outcome != domain.OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED", last.Outcome)
	}
	if last.AttemptCount != 3 {
		t.Fatalf("attempt count = %d, want 3", last.AttemptCount)
	}
	if plugin.callCount() != 3 {
		t.Fatalf("deliver calls = %d, want exactly MaxAttempts", plugin.callCount())
	}
	if last.LastError == nil || *last.LastError == "" {
		t.Fatal("last error should carry the final failure")
	}
}

func TestDeliverPermanentErrorNeverRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{MaxAttempts: 5}, nil)
	plugin := &fakePlugin{
		deliverFn: func(int, domain.BuildEvent) error {
			return permanentErr("unprocessable payload")
		},
	}

	last := deliverOnce(t, h, plugin)

	if last.Outcome != domain.OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED", last.Outcome)
	}
	if plugin.callCount() != 1 {
		t.Fatalf("deliver calls = %d, want 1 for a permanent error", plugin.callCount())
	}
}

func TestDeliverRecordsIntermediateRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{MaxAttempts: 2}, nil)
	plugin := &fakePlugin{
		deliverFn: func(call int, _ domain.BuildEvent) error {
			if call == 1 {
				return transientErr("timeout")
			}
			return nil
		},
	}

	deliverOnce(t, h, plugin)

	h.attempts.mu.Lock()
	defer h.attempts.mu.Unlock()

	if len(h.attempts.updated) != 2 {
		t.Fatalf("recorded updates = %d, want 2 (retrying then succeeded)", len(h.attempts.updated))
	}

	first := h.attempts.updated[0]
	if first.Outcome != domain.OutcomeRetrying {
		t.Fatalf("first outcome = %s, want RETRYING", first.Outcome)
	}
	if first.NextRetryAt == nil {
		t.Fatal("retrying outcome should schedule a next retry time")
	}
	if first.LastError == nil {
		t.Fatal("retrying outcome should carry the failure message")
	}

	second := h.attempts.updated[1]
	if second.Outcome != domain.OutcomeSucceeded {
		t.Fatalf("second outcome = %s, want SUCCEEDED", second.Outcome)
	}
	if second.NextRetryAt != nil {
		t.Fatal("succeeded outcome should clear the retry schedule")
	}
}

func TestDeliverProceedsWhenAttemptCreateFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, nil)
	h.attempts.createFn = func(*domain.DeliveryAttempt) error {
		return errors.New("insert failed")
	}
	plugin := &fakePlugin{}

	config := webhookConfig("cfg-1")
	h.dispatcher.deliver(context.Background(), config, terminalEvent("build-1"), plugin)

	if plugin.callCount() != 1 {
		t.Fatalf("deliver calls = %d, want 1 despite storage failure", plugin.callCount())
	}
}

func TestDeliverStopsRetryingOnShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{MaxAttempts: 5}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.dispatcher.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	plugin := &fakePlugin{
		deliverFn: func(int, domain.BuildEvent) error {
			return transientErr("flaky")
		},
	}

	h.dispatcher.deliver(ctx, webhookConfig("cfg-1"), terminalEvent("build-1"), plugin)

	if plugin.callCount() != 1 {
		t.Fatalf("deliver calls = %d, want 1 before shutdown interrupts backoff", plugin.callCount())
	}

	last, ok := h.attempts.lastUpdate()
	if !ok {
		t.Fatal("no outcome recorded")
	}
	if last.Outcome != domain.OutcomeRetrying {
		t.Fatalf("outcome = %s, want RETRYING left as-is on shutdown", last.Outcome)
	}
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{
		RetryBase:   5 * time.Second,
		RetryCap:    40 * time.Second,
		RetryJitter: time.Second,
	}, nil)
	h.dispatcher.randIntn = func(n int) int { return 0 }

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 5 * time.Second},
		{attempt: 2, want: 10 * time.Second},
		{attempt: 3, want: 20 * time.Second},
		{attempt: 4, want: 40 * time.Second},
		{attempt: 5, want: 40 * time.Second},
		{attempt: 9, want: 40 * time.Second},
	}

	for _, tt := range tests {
		if got := h.dispatcher.retryDelay(tt.attempt); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryDelayJitterStaysInRange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{
		RetryBase:   time.Second,
		RetryCap:    time.Minute,
		RetryJitter: time.Second,
	}, nil)
	h.dispatcher.randIntn = func(n int) int { return n - 1 }

	got := h.dispatcher.retryDelay(1)
	if got < time.Second || got > 2*time.Second {
		t.Fatalf("jittered delay = %v, want within [1s, 2s]", got)
	}
}
