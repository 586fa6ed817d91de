package batchbridge_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/internal/batchbridge"
	"github.com/tachyon-beep/elspeth/internal/pluginapi"
)

func testContext() *pluginapi.Context {
	return &pluginapi.Context{Context: context.Background(), RunID: "r", NodeID: "n", StateID: "s", Attempt: 1}
}

func TestBridge_PreservesFIFOOrderUnderConcurrency(t *testing.T) {
	var delays = []time.Duration{
		30 * time.Millisecond, 5 * time.Millisecond, 20 * time.Millisecond, 1 * time.Millisecond,
	}

	bridge := batchbridge.New(4, time.Second, func(ctx *pluginapi.Context, row pluginapi.Row) pluginapi.TransformResult {
		idx := row["index"].(int)
		time.Sleep(delays[idx%len(delays)])
		return pluginapi.TransformSuccess(pluginapi.Row{"index": idx})
	})
	defer bridge.Close(time.Second)

	const n = 10
	results := make([]pluginapi.TransformResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = bridge.Submit(testContext(), pluginapi.Row{"index": i})
		}(i)
		time.Sleep(time.Millisecond) // stagger submission order deterministically
	}
	wg.Wait()

	for i, r := range results {
		require.True(t, r.IsSuccess())
		require.Equal(t, i, r.Row()["index"])
	}
}

func TestBridge_TimeoutFailsRetryable(t *testing.T) {
	bridge := batchbridge.New(1, 5*time.Millisecond, func(ctx *pluginapi.Context, row pluginapi.Row) pluginapi.TransformResult {
		time.Sleep(50 * time.Millisecond)
		return pluginapi.TransformSuccess(row)
	})
	defer bridge.Close(time.Second)

	result := bridge.Submit(testContext(), pluginapi.Row{})
	require.False(t, result.IsSuccess())
	require.True(t, result.Retryable())
}

func TestBridge_CloseRejectsFurtherSubmissions(t *testing.T) {
	bridge := batchbridge.New(1, time.Second, func(ctx *pluginapi.Context, row pluginapi.Row) pluginapi.TransformResult {
		return pluginapi.TransformSuccess(row)
	})
	require.NoError(t, bridge.Close(time.Second))

	result := bridge.Submit(testContext(), pluginapi.Row{})
	require.False(t, result.IsSuccess())
}

func TestBridge_RandomDelaysStillReleaseInOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	bridge := batchbridge.New(8, time.Second, func(ctx *pluginapi.Context, row pluginapi.Row) pluginapi.TransformResult {
		time.Sleep(time.Duration(rng.Intn(5)) * time.Millisecond)
		return pluginapi.TransformSuccess(row)
	})
	defer bridge.Close(time.Second)

	const n = 20
	results := make([]pluginapi.TransformResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = bridge.Submit(testContext(), pluginapi.Row{"i": i})
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		require.Equal(t, i, r.Row()["i"])
	}
}
