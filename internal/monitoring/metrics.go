package monitoring

import (
	"sync/atomic"
	"time"
)

// MetricsCollector holds in-process counters for the /stats endpoint.
type MetricsCollector struct {
	startedAt time.Time

	requests  atomic.Int64
	successes atomic.Int64
	streaming atomic.Int64

	rateLimitHits  atomic.Int64
	failovers      atomic.Int64
	emptyRetries   atomic.Int64
	capacityWaits  atomic.Int64
	authFailures   atomic.Int64
	retryExhausted atomic.Int64

	totalInputTokens  atomic.Int64
	totalOutputTokens atomic.Int64
	totalCachedTokens atomic.Int64
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startedAt: time.Now()}
}

// RecordRequest records one finished inbound request.
func (mc *MetricsCollector) RecordRequest(success, streaming bool) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
	if streaming {
		mc.streaming.Add(1)
	}
}

// RecordUsage accumulates billed token counts from upstream responses.
func (mc *MetricsCollector) RecordUsage(input, output, cached int64) {
	mc.totalInputTokens.Add(input)
	mc.totalOutputTokens.Add(output)
	mc.totalCachedTokens.Add(cached)
}

func (mc *MetricsCollector) RecordRateLimit()      { mc.rateLimitHits.Add(1) }
func (mc *MetricsCollector) RecordFailover()       { mc.failovers.Add(1) }
func (mc *MetricsCollector) RecordEmptyRetry()     { mc.emptyRetries.Add(1) }
func (mc *MetricsCollector) RecordCapacityWait()   { mc.capacityWaits.Add(1) }
func (mc *MetricsCollector) RecordAuthFailure()    { mc.authFailures.Add(1) }
func (mc *MetricsCollector) RecordRetryExhausted() { mc.retryExhausted.Add(1) }

func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// StatsResponse is the JSON served by /stats.
type StatsResponse struct {
	UptimeSeconds int64 `json:"uptime_seconds"`

	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Streaming int64 `json:"streaming"`

	RateLimitHits  int64 `json:"rate_limit_hits"`
	Failovers      int64 `json:"failovers"`
	EmptyRetries   int64 `json:"empty_retries"`
	CapacityWaits  int64 `json:"capacity_waits"`
	AuthFailures   int64 `json:"auth_failures"`
	RetryExhausted int64 `json:"retry_exhausted"`

	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CachedTokens int64 `json:"cached_tokens"`
}

// Stats snapshots every counter.
func (mc *MetricsCollector) Stats() StatsResponse {
	return StatsResponse{
		UptimeSeconds:  int64(time.Since(mc.startedAt).Seconds()),
		Requests:       mc.requests.Load(),
		Successes:      mc.successes.Load(),
		Streaming:      mc.streaming.Load(),
		RateLimitHits:  mc.rateLimitHits.Load(),
		Failovers:      mc.failovers.Load(),
		EmptyRetries:   mc.emptyRetries.Load(),
		CapacityWaits:  mc.capacityWaits.Load(),
		AuthFailures:   mc.authFailures.Load(),
		RetryExhausted: mc.retryExhausted.Load(),
		InputTokens:    mc.totalInputTokens.Load(),
		OutputTokens:   mc.totalOutputTokens.Load(),
		CachedTokens:   mc.totalCachedTokens.Load(),
	}
}
