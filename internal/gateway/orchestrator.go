package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gravitygw/gravity-gateway/internal/apierr"
	"github.com/gravitygw/gravity-gateway/internal/config"
	"github.com/gravitygw/gravity-gateway/internal/monitoring"
	"github.com/gravitygw/gravity-gateway/internal/pool"
	"github.com/gravitygw/gravity-gateway/internal/translate"
	"github.com/gravitygw/gravity-gateway/internal/upstream"
)

const (
	capacityBackoffBase = 250 * time.Millisecond
	maxCapacityRetries  = 5
)

// runStats reports what one orchestrated request cost.
type runStats struct {
	account  string
	attempts int
	emitted  int
	usage    translate.Usage
}

// run drives one inbound request through account selection, the upstream
// call, and the failover policy. For streaming requests emit receives
// translated events; for non-streaming it is nil and the accumulated
// message is returned.
//
// Failover moves to another account only while nothing has been emitted
// yet. Once the first SSE event is on the wire the stream is committed to
// that account and any later error surfaces to the client.
func (g *Gateway) run(ctx context.Context, req *inboundRequest, emit translate.Emitter) (*translate.Message, *runStats, error) {
	stats := &runStats{}
	if emit != nil {
		inner := emit
		emit = func(e translate.Event) error {
			stats.emitted++
			return inner(e)
		}
	}

	var lastErr error
	maxAttempts := g.cfg.Accounts.MaxAttempts
	for attempt := 0; attempt < maxAttempts; attempt++ {
		stats.attempts = attempt + 1

		sel := g.pool.Select(req.Model)
		if sel.Account == nil {
			if g.pool.Len() == 0 {
				return nil, stats, apierr.NoAccounts(false, 0)
			}
			wait := time.Duration(sel.WaitMs) * time.Millisecond
			if wait > 0 && wait <= g.cfg.Accounts.TolerableWait {
				log.Info().Dur("wait", wait).Str("model", req.Model).Msg("pool cooling down, pausing")
				if err := sleepCtx(ctx, wait); err != nil {
					return nil, stats, err
				}
				continue
			}
			return nil, stats, apierr.NoAccounts(true, sel.WaitMs)
		}

		account := sel.Account
		stats.account = account.Email
		if attempt > 0 {
			g.metrics.RecordFailover()
		}

		msg, err := g.attempt(ctx, req, account, emit, stats)
		if err == nil {
			g.pool.ReportSuccess(account.Email, req.Model)
			return msg, stats, nil
		}
		if ctx.Err() != nil {
			return nil, stats, ctx.Err()
		}
		lastErr = err

		apiErr, ok := apierr.As(err)
		if !ok {
			// Transport-level failure.
			g.pool.ReportFailure(account.Email, req.Model)
			if stats.emitted > 0 {
				return nil, stats, err
			}
			continue
		}

		switch apiErr.Kind {
		case apierr.KindRateLimit:
			g.metrics.RecordRateLimit()
			g.pool.MarkRateLimited(account.Email, apiErr.ResetMs, req.Model)
			g.recordAccountEvent(account.Email, req.Model, "rate_limited", apiErr.ResetMs, "")

		case apierr.KindAuth:
			g.metrics.RecordAuthFailure()
			g.pool.MarkInvalid(account.Email, apiErr.Message)
			g.recordAccountEvent(account.Email, "", "invalid", 0, apiErr.Message)

		default:
			if !apiErr.Retryable {
				return nil, stats, apiErr
			}
			g.pool.ReportFailure(account.Email, req.Model)
		}

		if stats.emitted > 0 {
			return nil, stats, apiErr
		}
	}

	g.metrics.RecordRetryExhausted()
	return nil, stats, apierr.MaxRetries(maxAttempts, lastErr)
}

// attempt runs the upstream call against one account, absorbing the
// same-account retry policies: a ramped backoff on capacity exhaustion,
// one empty-response retry, and one thinking-strip retry when the upstream
// rejects a replayed thought signature.
func (g *Gateway) attempt(ctx context.Context, req *inboundRequest, account *pool.Account, emit translate.Emitter, stats *runStats) (*translate.Message, error) {
	dropThinking := false
	emptyRetried := false
	capacityDelay := capacityBackoffBase

	for capacityRetries := 0; ; {
		payload, err := g.buildPayload(req, account, dropThinking)
		if err != nil {
			return nil, err
		}

		msg, err := g.call(ctx, req, account, payload, emit, stats)
		if err == nil {
			return msg, nil
		}
		if stats.emitted > 0 {
			return nil, err
		}

		apiErr, ok := apierr.As(err)
		if !ok {
			return nil, err
		}
		switch {
		case apiErr.Kind == apierr.KindCapacityExhausted && capacityRetries < maxCapacityRetries:
			capacityRetries++
			g.metrics.RecordCapacityWait()
			delay := capacityDelay
			if apiErr.ResetMs > 0 {
				delay = time.Duration(apiErr.ResetMs) * time.Millisecond
			}
			if delay > config.CapacityRetryCap {
				delay = config.CapacityRetryCap
			}
			capacityDelay *= 2
			log.Debug().Str("account", account.Email).Dur("delay", delay).Msg("upstream capacity exhausted, backing off")
			if errSleep := sleepCtx(ctx, delay); errSleep != nil {
				return nil, errSleep
			}

		case apiErr.Kind == apierr.KindEmptyResponse && !emptyRetried:
			emptyRetried = true
			g.metrics.RecordEmptyRetry()
			log.Debug().Str("account", account.Email).Msg("empty upstream response, retrying once")

		case apiErr.Kind == apierr.KindUpstreamAPI && !dropThinking && apierr.IsThinkingSignatureError(apiErr.Message):
			dropThinking = true
			log.Warn().Str("account", account.Email).Msg("upstream rejected thought signature, retrying without thinking blocks")

		default:
			return nil, err
		}
	}
}

// call performs one upstream call and translates it. With a non-nil emit
// the streaming endpoint's events go out as they arrive; otherwise the
// non-streaming endpoint's single response accumulates into one message.
func (g *Gateway) call(ctx context.Context, req *inboundRequest, account *pool.Account, payload []byte, emit translate.Emitter, stats *runStats) (*translate.Message, error) {
	if emit == nil {
		body, err := g.client.Generate(ctx, account, payload)
		if err != nil {
			return nil, err
		}
		acc := translate.NewThinkingAccumulator(req.Model, g.registry)
		if inc, ok := translate.ParseIncrement(body); ok {
			if inc.Usage != nil {
				stats.usage = *inc.Usage
			}
			acc.Push(inc)
		}
		return acc.Result()
	}

	stream, err := g.client.Stream(ctx, account, payload)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	tr := translate.NewStreamTranslator(req.Model, g.registry, emit)
	for line := range stream.Lines {
		inc, ok := translate.ParseIncrement(line)
		if !ok {
			continue
		}
		if inc.Usage != nil {
			stats.usage = *inc.Usage
		}
		if err := tr.Push(inc); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return nil, tr.Finish()
}

func (g *Gateway) buildPayload(req *inboundRequest, account *pool.Account, dropThinking bool) ([]byte, error) {
	adapter := translate.NewRequestAdapter(req.Model, g.registry)
	adapter.DropThinking = dropThinking

	return upstream.BuildEnvelope(upstream.EnvelopeInput{
		Model:       req.Model,
		ProjectID:   account.ProjectID,
		Contents:    adapter.Contents(req.Messages),
		System:      req.System,
		Tools:       req.Tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
}

func (g *Gateway) recordAccountEvent(account, model, change string, resetMs int64, reason string) {
	g.tracker.RecordAccount(&monitoring.AccountEvent{
		Timestamp: time.Now().Format(time.RFC3339),
		Account:   account,
		Model:     model,
		Change:    change,
		ResetMs:   resetMs,
		Reason:    reason,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
