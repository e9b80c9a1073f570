package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	resp *Response
	err  error
}

func (f *fakeBackend) Generate(ctx context.Context, req Request) (*Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	clone := *f.resp
	return &clone, nil
}

func TestUsageTrackerCountsFailures(t *testing.T) {
	tracker := NewUsageTracker()

	const calls, failures = 7, 3
	for i := 0; i < calls; i++ {
		success := i >= failures
		tracker.Record(100, 0.5, 10, success)
	}

	stats := tracker.Snapshot()
	assert.EqualValues(t, calls, stats.TotalCalls)
	assert.EqualValues(t, failures, stats.FailedCalls)
	assert.EqualValues(t, calls-failures, stats.SuccessfulCalls)
	// 失败调用的 tokens 和 cost 不计入。
	assert.EqualValues(t, 400, stats.TotalTokens)
	assert.InDelta(t, 2.0, stats.TotalCost, 1e-9)
	assert.InDelta(t, 70.0, stats.TotalLatencyMS, 1e-9)
	assert.InDelta(t, 10.0, stats.AverageLatencyMS(), 1e-9)
}

func TestUsageTrackerResetAndSnapshotIsolation(t *testing.T) {
	tracker := NewUsageTracker()
	tracker.Record(50, 1.25, 30, true)
	tracker.Record(0, 0, 5, false)

	snapshot := tracker.Snapshot()
	tracker.Record(10, 1, 1, true)
	assert.EqualValues(t, 2, snapshot.TotalCalls, "snapshot must not follow later updates")

	tracker.Reset()
	assert.Equal(t, UsageCounters{}, tracker.Snapshot())

	tracker.Record(1, 0.1, 1, true)
	assert.EqualValues(t, 1, tracker.Snapshot().TotalCalls)
}

func TestUsageTrackerConcurrentRecord(t *testing.T) {
	tracker := NewUsageTracker()
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				tracker.Record(1, 0.001, 1, (w+i)%5 != 0)
			}
		}(w)
	}
	wg.Wait()

	stats := tracker.Snapshot()
	require.EqualValues(t, 16*250, stats.TotalCalls)
	assert.EqualValues(t, stats.TotalCalls, stats.SuccessfulCalls+stats.FailedCalls)
	assert.EqualValues(t, 800, stats.FailedCalls)
}

func TestTrackedRecordsEveryAttempt(t *testing.T) {
	ok := Track("mock", &fakeBackend{resp: &Response{Text: "hi", Tokens: 12, Cost: 0.3, LatencyMS: 42}})
	resp, err := ok.Generate(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)

	stats := ok.Usage().Snapshot()
	assert.EqualValues(t, 1, stats.SuccessfulCalls)
	assert.EqualValues(t, 12, stats.TotalTokens)
	assert.InDelta(t, 42, stats.TotalLatencyMS, 1e-9)

	failing := Track("mock", &fakeBackend{err: errors.New("quota exceeded")})
	_, err = failing.Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	stats = failing.Usage().Snapshot()
	assert.EqualValues(t, 1, stats.FailedCalls)
	assert.Zero(t, stats.TotalTokens)
	assert.Zero(t, stats.TotalCost)
}

func TestTrackedFillsMissingLatency(t *testing.T) {
	tracked := Track("mock", &fakeBackend{resp: &Response{Text: "x"}})
	resp, err := tracked.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, resp.LatencyMS, 0.0)
	assert.Equal(t, "mock", tracked.Name())
}

func TestThrottleWaitsForToken(t *testing.T) {
	backend := Throttle(&fakeBackend{resp: &Response{Text: "ok"}}, 1, 1)

	_, err := backend.Generate(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = backend.Generate(ctx, Request{})
	require.Error(t, err, "second call inside the same second should block until the context expires")
}

func TestThrottleDisabled(t *testing.T) {
	inner := &fakeBackend{resp: &Response{Text: "ok"}}
	assert.Same(t, Backend(inner), Throttle(inner, 0, 0))
}

func TestPricingCost(t *testing.T) {
	p := Pricing{InputPer1K: 0.03, OutputPer1K: 0.06}
	assert.InDelta(t, 0.03+0.12, p.Cost(1000, 2000), 1e-9)
	assert.Equal(t, p, Pricing{}.OrDefault(p))
}
