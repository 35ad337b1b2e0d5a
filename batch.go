package skyspark

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goliatone/go-skyspark/zinc"
)

// HisSample is one timestamped reading destined for a point's history.
// Value must be a float64, bool, or string; the timestamp must carry a
// zone the server can resolve.
type HisSample struct {
	PointID   string
	Timestamp time.Time
	Value     any
}

// ChunkResult reports the outcome of one chunk of a bulk history write.
// Attempted is false when the chunk never reached the server, which
// happens when an earlier cancellation drained the queue.
type ChunkResult struct {
	Index     int
	Submitted int
	Written   int
	Success   bool
	Attempted bool
	Err       error
}

// WriteHistory writes samples to their points' histories in a single
// request. Samples are grouped by point and sorted chronologically first;
// the server rejects out-of-order history appends.
func (c *Client) WriteHistory(ctx context.Context, samples []HisSample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	exprs, err := hisWriteExpressions(samples)
	if err != nil {
		return 0, err
	}
	if _, err := c.EvalAll(ctx, exprs); err != nil {
		return 0, err
	}
	return len(samples), nil
}

// WriteHistoryChunked splits samples into contiguous chunks and writes
// them with bounded concurrency. Results come back ordered by chunk index
// regardless of completion order, one per chunk, so failures stay
// attributable to their slice of the input. A failed chunk never stops
// the others.
func (c *Client) WriteHistoryChunked(ctx context.Context, samples []HisSample) ([]ChunkResult, error) {
	if c == nil {
		return nil, fmt.Errorf("skyspark: client is nil")
	}
	if len(samples) == 0 {
		return []ChunkResult{}, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	chunkSize := c.config.Batch.ChunkSize
	if chunkSize < 1 {
		chunkSize = 1000
	}
	maxConcurrent := c.config.Batch.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 3
	}

	ordered := orderSamples(samples)
	chunks := make([][]HisSample, 0, (len(ordered)+chunkSize-1)/chunkSize)
	for start := 0; start < len(ordered); start += chunkSize {
		end := start + chunkSize
		if end > len(ordered) {
			end = len(ordered)
		}
		chunks = append(chunks, ordered[start:end])
	}

	c.logDebug("bulk history write", map[string]any{
		"samples":        len(ordered),
		"chunks":         len(chunks),
		"chunk_size":     chunkSize,
		"max_concurrent": maxConcurrent,
	})

	results := make([]ChunkResult, len(chunks))
	semaphore := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for index, chunk := range chunks {
		wg.Add(1)
		go func(index int, chunk []HisSample) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				results[index] = ChunkResult{
					Index:     index,
					Submitted: len(chunk),
					Attempted: false,
					Err:       ctx.Err(),
				}
				return
			}
			defer func() { <-semaphore }()

			written, err := c.WriteHistory(ctx, chunk)
			results[index] = ChunkResult{
				Index:     index,
				Submitted: len(chunk),
				Written:   written,
				Success:   err == nil,
				Attempted: true,
				Err:       err,
			}
		}(index, chunk)
	}
	wg.Wait()

	return results, nil
}

// orderSamples groups samples by point and sorts each group
// chronologically, preserving the first-seen order of points.
func orderSamples(samples []HisSample) []HisSample {
	ordered := make([]HisSample, len(samples))
	copy(ordered, samples)
	firstSeen := map[string]int{}
	for i, sample := range samples {
		if _, ok := firstSeen[sample.PointID]; !ok {
			firstSeen[sample.PointID] = i
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].PointID != ordered[j].PointID {
			return firstSeen[ordered[i].PointID] < firstSeen[ordered[j].PointID]
		}
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	return ordered
}

func hisWriteExpressions(samples []HisSample) ([]string, error) {
	exprs := make([]string, 0, len(samples))
	for i, sample := range samples {
		expr, err := hisWriteExpression(sample)
		if err != nil {
			return nil, badInputError(fmt.Sprintf("sample %d: %v", i, err))
		}
		exprs = append(exprs, expr)
	}
	return exprs, nil
}

// hisWriteExpression builds the Axon expression that appends one sample.
// The timestamp is rebuilt server-side with parseDateTime so the history
// lands in the point's own timezone.
func hisWriteExpression(sample HisSample) (string, error) {
	pointID := normalizeEntityID(sample.PointID)
	if pointID == "" {
		return "", fmt.Errorf("point id is required")
	}
	if sample.Timestamp.IsZero() {
		return "", fmt.Errorf("timestamp is required")
	}
	value, err := axonScalar(sample.Value)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		`hisWrite({ts: parseDateTime("%s", "YYYY-MM-DDThh:mm:ssz", "%s"), val: %s}, @%s)`,
		sample.Timestamp.Format(time.RFC3339),
		zinc.ZoneCity(sample.Timestamp, ""),
		value,
		pointID,
	), nil
}

func axonScalar(value any) (string, error) {
	switch v := value.(type) {
	case bool:
		return strconv.FormatBool(v), nil
	case string:
		return `"` + zinc.EscapeString(v) + `"`, nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case nil:
		return "", fmt.Errorf("value is required")
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}
