package dispatcher

import (
	"context"
	"strings"
	"time"

	"github.com/buildrelay/buildrelay/internal/channel"
	"github.com/buildrelay/buildrelay/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// deliver runs the full attempt sequence for one (config, event) pair:
// call the plugin, retry transient failures with exponential backoff, and
// record the outcome after every call. The pair's in-flight slot is held
// for the whole sequence.
func (d *Dispatcher) deliver(
	ctx context.Context,
	config domain.NotificationConfig,
	event domain.BuildEvent,
	plugin Plugin,
) {
	kindLabel := strings.ToLower(config.Kind.String())
	logger := d.logger.With(
		zap.String("configId", config.ID),
		zap.String("repositoryId", event.RepositoryID),
		zap.String("buildId", event.BuildID),
		zap.String("kind", kindLabel),
	)

	attempt := &domain.DeliveryAttempt{
		ID:           uuid.NewString(),
		ConfigID:     config.ID,
		RepositoryID: event.RepositoryID,
		BuildID:      event.BuildID,
		Kind:         config.Kind,
		Outcome:      domain.OutcomeRetrying,
		CreatedAt:    d.now().UTC(),
	}
	if err := d.attempts.Create(ctx, attempt); err != nil {
		// Outcome bookkeeping must not block delivery; keep going with the
		// in-memory record and surface the state through logs.
		logger.Error("failed to persist delivery attempt", zap.Error(err))
	}

	if d.metrics != nil {
		d.metrics.IncDeliveryInFlight(kindLabel)
		defer d.metrics.DecDeliveryInFlight(kindLabel)
	}

	for number := 1; ; number++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx, kindLabel); err != nil {
				if ctx.Err() != nil {
					// Shutdown while throttled: the attempt keeps its last
					// recorded state.
					logger.Warn("delivery abandoned while rate limited")
					return
				}
				// A broken limiter must not stop deliveries.
				logger.Warn("rate limiter unavailable, proceeding", zap.Error(err))
			}
		}

		sendStart := d.now()
		err := plugin.Deliver(ctx, event, config.Settings)
		if d.metrics != nil {
			d.metrics.ObserveDeliveryDuration(kindLabel, d.now().Sub(sendStart))
		}

		attempt.AttemptCount = number

		if err == nil {
			attempt.Outcome = domain.OutcomeSucceeded
			attempt.LastError = nil
			attempt.NextRetryAt = nil
			d.updateAttempt(ctx, attempt, logger)
			if d.metrics != nil {
				d.metrics.IncDeliverySent(kindLabel)
			}
			logger.Info("delivery succeeded", zap.Int("attempts", number))
			return
		}

		message := err.Error()
		attempt.LastError = &message
		transient := channel.IsTransient(err)

		if transient && number < d.opts.MaxAttempts && ctx.Err() == nil {
			delay := d.retryDelay(number)
			nextRetryAt := d.now().Add(delay).UTC()
			attempt.Outcome = domain.OutcomeRetrying
			attempt.NextRetryAt = &nextRetryAt
			d.updateAttempt(ctx, attempt, logger)
			if d.metrics != nil {
				d.metrics.IncRetryScheduled(kindLabel)
			}
			logger.Warn("delivery failed, will retry",
				zap.Int("attempt", number),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)

			if sleepErr := d.sleep(ctx, delay); sleepErr != nil {
				// Shutdown during backoff: the attempt keeps its last
				// recorded state, which is retrying.
				logger.Warn("delivery abandoned during backoff")
				return
			}
			continue
		}

		attempt.Outcome = domain.OutcomeFailed
		attempt.NextRetryAt = nil
		d.updateAttempt(ctx, attempt, logger)
		if d.metrics != nil {
			reason := "permanent_error"
			if transient {
				reason = "retry_exhausted"
			}
			d.metrics.IncDeliveryFailed(kindLabel, reason)
		}
		logger.Error("delivery failed permanently",
			zap.Int("attempts", number),
			zap.Error(err),
		)
		return
	}
}

func (d *Dispatcher) updateAttempt(ctx context.Context, attempt *domain.DeliveryAttempt, logger *zap.Logger) {
	if err := d.attempts.Update(ctx, attempt); err != nil {
		logger.Error("failed to record delivery outcome",
			zap.String("outcome", attempt.Outcome.String()),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) retryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := d.opts.RetryBase
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= d.opts.RetryCap {
			delay = d.opts.RetryCap
			break
		}
	}
	if delay > d.opts.RetryCap {
		delay = d.opts.RetryCap
	}

	return d.jittered(delay, d.opts.RetryJitter)
}
