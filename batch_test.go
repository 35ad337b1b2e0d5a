package skyspark

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-skyspark/core"
)

// countingTransport answers every evalAll request with an empty grid and
// tracks how many requests run at once.
type countingTransport struct {
	mu         sync.Mutex
	calls      int
	inFlight   int
	maxFlight  int
	failCalls  map[int]bool
	delay      time.Duration
	lastBodies []string
}

func (c *countingTransport) Kind() string { return "counting" }

func (c *countingTransport) Do(_ context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.inFlight++
	if c.inFlight > c.maxFlight {
		c.maxFlight = c.inFlight
	}
	c.lastBodies = append(c.lastBodies, string(req.Body))
	fail := c.failCalls[call]
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()

	if fail {
		return core.TransportResponse{StatusCode: http.StatusUnprocessableEntity}, nil
	}
	return core.TransportResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(`{"meta":{"ver":"3.0"},"cols":[{"name":"empty"}],"rows":[]}`),
	}, nil
}

func newBatchClient(t *testing.T, adapter core.TransportAdapter, chunkSize int, maxConcurrent int) *Client {
	t.Helper()
	client, err := New(core.Config{
		BaseURL:  "https://skyspark.example.com/api",
		Project:  "demo",
		Username: "svc",
		Password: "secret",
		Batch:    core.BatchConfig{ChunkSize: chunkSize, MaxConcurrent: maxConcurrent},
	},
		WithTransport(adapter),
		WithTokenProvider(&fakeTokens{}),
		WithRetryPolicy(fastRetry(1)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.sleep = func(context.Context, time.Duration) error { return nil }
	return client
}

func makeSamples(n int) []HisSample {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	samples := make([]HisSample, n)
	for i := range samples {
		samples[i] = HisSample{
			PointID:   fmt.Sprintf("point-%d", i%4),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Value:     float64(i),
		}
	}
	return samples
}

func TestWriteHistoryBuildsExpressions(t *testing.T) {
	transport := &countingTransport{}
	client := newBatchClient(t, transport, 1000, 3)

	samples := []HisSample{
		{PointID: "p:demo:r:abc", Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), Value: 72.5},
		{PointID: "@p:demo:r:abc", Timestamp: time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC), Value: true},
		{PointID: "p:demo:r:abc", Timestamp: time.Date(2024, 3, 1, 12, 10, 0, 0, time.UTC), Value: "override"},
	}
	written, err := client.WriteHistory(context.Background(), samples)
	if err != nil {
		t.Fatalf("WriteHistory: %v", err)
	}
	if written != 3 {
		t.Fatalf("written = %d", written)
	}

	body := transport.lastBodies[0]
	for _, want := range []string{
		"expr",
		`hisWrite({ts: parseDateTime(\"2024-03-01T12:00:00Z\", \"YYYY-MM-DDThh:mm:ssz\", \"UTC\"), val: 72.5}, @p:demo:r:abc)`,
		"val: true}",
		`val: \"override\"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("request body missing %q:\n%s", want, body)
		}
	}
}

func TestWriteHistoryValidation(t *testing.T) {
	client := newBatchClient(t, &countingTransport{}, 1000, 3)
	cases := []struct {
		name   string
		sample HisSample
	}{
		{"missing point", HisSample{Timestamp: time.Now(), Value: 1.0}},
		{"zero timestamp", HisSample{PointID: "p", Value: 1.0}},
		{"nil value", HisSample{PointID: "p", Timestamp: time.Now()}},
		{"unsupported value", HisSample{PointID: "p", Timestamp: time.Now(), Value: []int{1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := client.WriteHistory(context.Background(), []HisSample{tc.sample}); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestWriteHistoryEmpty(t *testing.T) {
	transport := &countingTransport{}
	client := newBatchClient(t, transport, 1000, 3)
	written, err := client.WriteHistory(context.Background(), nil)
	if err != nil || written != 0 {
		t.Fatalf("WriteHistory(nil) = %d, %v", written, err)
	}
	if transport.calls != 0 {
		t.Fatal("empty input must not reach the server")
	}
}

func TestWriteHistoryChunkedSplitsAndSums(t *testing.T) {
	transport := &countingTransport{}
	client := newBatchClient(t, transport, 10, 3)

	results, err := client.WriteHistoryChunked(context.Background(), makeSamples(35))
	if err != nil {
		t.Fatalf("WriteHistoryChunked: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("chunks = %d, want ceil(35/10)", len(results))
	}
	total := 0
	for i, result := range results {
		if result.Index != i {
			t.Fatalf("result %d has index %d, order must follow chunk index", i, result.Index)
		}
		if !result.Success || !result.Attempted || result.Err != nil {
			t.Fatalf("chunk %d failed: %+v", i, result)
		}
		total += result.Written
	}
	if total != 35 {
		t.Fatalf("total written = %d, want 35", total)
	}
	if results[3].Submitted != 5 {
		t.Fatalf("last chunk submitted = %d, want the remainder", results[3].Submitted)
	}
}

func TestWriteHistoryChunkedBoundsConcurrency(t *testing.T) {
	transport := &countingTransport{delay: 20 * time.Millisecond}
	client := newBatchClient(t, transport, 5, 2)

	if _, err := client.WriteHistoryChunked(context.Background(), makeSamples(40)); err != nil {
		t.Fatalf("WriteHistoryChunked: %v", err)
	}
	if transport.maxFlight > 2 {
		t.Fatalf("max in-flight = %d, want at most 2", transport.maxFlight)
	}
	if transport.calls != 8 {
		t.Fatalf("calls = %d, want 8", transport.calls)
	}
}

func TestWriteHistoryChunkedIsolatesFailures(t *testing.T) {
	transport := &countingTransport{failCalls: map[int]bool{2: true}}
	client := newBatchClient(t, transport, 10, 1)

	results, err := client.WriteHistoryChunked(context.Background(), makeSamples(30))
	if err != nil {
		t.Fatalf("WriteHistoryChunked: %v", err)
	}
	failures := 0
	for _, result := range results {
		if !result.Success {
			failures++
			if result.Err == nil || !result.Attempted {
				t.Fatalf("failed chunk should carry its error and be marked attempted: %+v", result)
			}
		}
	}
	if failures != 1 {
		t.Fatalf("failures = %d, want exactly the failing chunk", failures)
	}
}

func TestWriteHistoryChunkedEmpty(t *testing.T) {
	client := newBatchClient(t, &countingTransport{}, 10, 3)
	results, err := client.WriteHistoryChunked(context.Background(), nil)
	if err != nil {
		t.Fatalf("WriteHistoryChunked: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Fatalf("results = %#v, want an empty slice", results)
	}
}

func TestWriteHistoryChunkedCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One slow chunk holds the only semaphore slot while the rest queue
	// behind it; cancelling drains the queue.
	transport := &countingTransport{delay: 100 * time.Millisecond}
	client := newBatchClient(t, transport, 5, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	results, err := client.WriteHistoryChunked(ctx, makeSamples(25))
	if err != nil {
		t.Fatalf("WriteHistoryChunked: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("results = %d, cancelled chunks must still be reported", len(results))
	}
	unattempted := 0
	for _, result := range results {
		if result.Success {
			continue
		}
		if !result.Attempted {
			unattempted++
			if result.Err == nil {
				t.Fatalf("unattempted chunk must carry the cancellation error: %+v", result)
			}
		}
	}
	if unattempted == 0 {
		t.Fatal("expected at least one chunk to be drained without running")
	}
}

func TestOrderSamples(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	samples := []HisSample{
		{PointID: "b", Timestamp: base.Add(2 * time.Minute)},
		{PointID: "a", Timestamp: base.Add(3 * time.Minute)},
		{PointID: "b", Timestamp: base.Add(1 * time.Minute)},
		{PointID: "a", Timestamp: base.Add(0 * time.Minute)},
	}
	ordered := orderSamples(samples)

	if ordered[0].PointID != "b" || ordered[1].PointID != "b" {
		t.Fatalf("first-seen point should lead: %+v", ordered)
	}
	if !ordered[0].Timestamp.Before(ordered[1].Timestamp) {
		t.Fatal("samples within a point must be chronological")
	}
	if ordered[2].PointID != "a" || !ordered[2].Timestamp.Before(ordered[3].Timestamp) {
		t.Fatalf("second group out of order: %+v", ordered)
	}
	if len(samples) != 4 || samples[0].PointID != "b" || !samples[0].Timestamp.Equal(base.Add(2*time.Minute)) {
		t.Fatal("input slice must not be mutated")
	}
}
