package skyspark

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-skyspark/core"
	"github.com/goliatone/go-skyspark/zinc"
)

const (
	contentTypeZinc = "text/zinc"
	acceptJSON      = "application/json"
)

// PostGrid encodes grid as Zinc text, posts it to the named server op, and
// decodes the response grid. Credential rejection gets exactly one re-auth
// retry; transient failures are retried per the retry policy; in-band
// errors inside a 200 envelope surface as commit errors.
func (c *Client) PostGrid(ctx context.Context, op string, grid zinc.Grid) (zinc.Grid, error) {
	body, err := zinc.EncodeGrid(grid)
	if err != nil {
		return zinc.Grid{}, c.errorMapper(err)
	}
	return c.execute(ctx, op, []byte(body))
}

// GetGrid issues a body-less request to the named op and decodes the
// response grid. Used for ops like about that take no arguments.
func (c *Client) GetGrid(ctx context.Context, op string) (zinc.Grid, error) {
	return c.execute(ctx, op, nil)
}

func (c *Client) execute(ctx context.Context, op string, body []byte) (zinc.Grid, error) {
	if c == nil {
		return zinc.Grid{}, fmt.Errorf("skyspark: client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	startedAt := time.Now().UTC()
	maxAttempts := c.retry.Attempts()
	attempt := 0
	reauthUsed := false

	var lastErr error
	for attempt < maxAttempts {
		attempt++

		cred, err := c.tokens.EnsureAuthenticated(ctx)
		if err != nil {
			mapped := c.errorMapper(err)
			c.observeOperation(ctx, startedAt, op, attempt, mapped)
			return zinc.Grid{}, mapped
		}

		resp, err := c.transport.Do(ctx, c.buildRequest(op, cred.Token, body))
		if err != nil {
			lastErr = c.errorMapper(err)
			if ctx.Err() != nil {
				break
			}
			if !c.backoff(ctx, op, attempt, maxAttempts, lastErr) {
				break
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			c.tokens.Invalidate()
			if !reauthUsed {
				reauthUsed = true
				attempt--
				c.logDebug("credential rejected, re-authenticating", map[string]any{
					"operation":   op,
					"status_code": resp.StatusCode,
				})
				continue
			}
			lastErr = authRejectedError(op, resp.StatusCode)
			c.observeOperation(ctx, startedAt, op, attempt, lastErr)
			return zinc.Grid{}, lastErr

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			grid, decodeErr := zinc.DecodeGrid(resp.Body)
			if decodeErr != nil {
				mapped := c.errorMapper(decodeErr)
				c.observeOperation(ctx, startedAt, op, attempt, mapped)
				return zinc.Grid{}, mapped
			}
			if message, failed := grid.ErrMessage(); failed {
				lastErr = commitError(op, message, grid.Meta.ErrTrace)
				c.observeOperation(ctx, startedAt, op, attempt, lastErr)
				return zinc.Grid{}, lastErr
			}
			c.observeOperation(ctx, startedAt, op, attempt, nil)
			return grid, nil

		case isRetryableStatus(resp.StatusCode):
			lastErr = serverStatusError(op, resp.StatusCode, resp.Body, attempt)
			if !c.backoff(ctx, op, attempt, maxAttempts, lastErr) {
				break
			}
			continue

		default:
			// Non-retryable 4xx, 404 included. Entity lookups report
			// not-found from an empty read result, not from the status.
			lastErr = commitError(op,
				fmt.Sprintf("request rejected with status %d", resp.StatusCode), "")
			c.observeOperation(ctx, startedAt, op, attempt, lastErr)
			return zinc.Grid{}, lastErr
		}
		break
	}

	if lastErr == nil {
		lastErr = serverStatusError(op, 0, nil, attempt)
	}
	c.observeOperation(ctx, startedAt, op, attempt, lastErr)
	return zinc.Grid{}, lastErr
}

func (c *Client) buildRequest(op string, token string, body []byte) core.TransportRequest {
	method := http.MethodPost
	headers := map[string]string{
		"Authorization": "Bearer authToken=" + token,
		"Accept":        acceptJSON,
	}
	if len(body) == 0 {
		method = http.MethodGet
	} else {
		headers["Content-Type"] = contentTypeZinc
	}
	var timeout time.Duration
	if c.config.Retry.TimeoutSecond > 0 {
		timeout = time.Duration(c.config.Retry.TimeoutSecond) * time.Second
	}
	return core.TransportRequest{
		Method:  method,
		URL:     c.apiURL(op),
		Headers: headers,
		Body:    body,
		Timeout: timeout,
	}
}

// backoff sleeps before the next retry and reports whether the loop should
// continue. The final attempt gets no sleep and no continuation.
func (c *Client) backoff(ctx context.Context, op string, attempt int, maxAttempts int, cause error) bool {
	if attempt >= maxAttempts {
		return false
	}
	delay := c.retry.Delay(attempt)
	c.logDebug("transient failure, retrying", map[string]any{
		"operation": op,
		"attempt":   attempt,
		"delay_ms":  delay.Milliseconds(),
		"error":     cause.Error(),
	})
	c.recordCounter(ctx, "skyspark."+normalizeOperation(op)+".retries", 1, map[string]string{
		"operation": normalizeOperation(op),
	})
	if err := c.sleep(ctx, delay); err != nil {
		return false
	}
	return true
}

func isRetryableStatus(status int) bool {
	if status >= 500 {
		return true
	}
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

func authRejectedError(op string, status int) error {
	return goerrors.New(
		fmt.Sprintf("skyspark: %s credential rejected after re-authentication", op),
		goerrors.CategoryAuth,
	).
		WithCode(status).
		WithTextCode(core.ClientErrorAuth).
		WithMetadata(map[string]any{"operation": op, "status_code": status})
}

func commitError(op string, message string, trace string) error {
	metadata := map[string]any{"operation": op}
	if strings.TrimSpace(trace) != "" {
		metadata["trace"] = trace
	}
	return goerrors.New(
		fmt.Sprintf("skyspark: %s rejected: %s", op, message),
		goerrors.CategoryOperation,
	).
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(core.ClientErrorCommit).
		WithMetadata(metadata)
}

func notFoundError(op string) error {
	return goerrors.New(
		fmt.Sprintf("skyspark: %s target not found", op),
		goerrors.CategoryNotFound,
	).
		WithCode(http.StatusNotFound).
		WithTextCode(core.ClientErrorNotFound).
		WithMetadata(map[string]any{"operation": op})
}

func serverStatusError(op string, status int, body []byte, attempt int) error {
	message := fmt.Sprintf("skyspark: %s failed with status %d", op, status)
	if status == 0 {
		message = fmt.Sprintf("skyspark: %s exhausted retry budget", op)
	}
	metadata := map[string]any{"operation": op, "status_code": status, "attempts": attempt}
	if preview := strings.TrimSpace(string(body)); preview != "" {
		if len(preview) > 200 {
			preview = preview[:200]
		}
		metadata["body_preview"] = preview
	}
	return goerrors.New(message, goerrors.CategoryExternal).
		WithCode(status).
		WithTextCode(core.ClientErrorServer).
		WithMetadata(metadata)
}

func (c *Client) observeOperation(ctx context.Context, startedAt time.Time, op string, attempts int, err error) {
	if c == nil {
		return
	}
	operation := normalizeOperation(op)
	status := "success"
	if err != nil {
		status = "failure"
	}

	fields := map[string]any{
		"operation":   operation,
		"status":      status,
		"attempts":    attempts,
		"duration_ms": time.Since(startedAt).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	c.recordCounter(ctx, "skyspark."+operation+".total", 1, tags)
	c.recordHistogram(ctx, "skyspark."+operation+".duration_ms",
		float64(time.Since(startedAt).Milliseconds()), tags)

	if err != nil {
		c.logError(operation+" failed", fields)
		return
	}
	c.logDebug(operation+" succeeded", fields)
}

func (c *Client) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if c == nil || c.metricsRecorder == nil {
		return
	}
	c.metricsRecorder.IncCounter(ctx, name, value, core.CloneTags(tags))
}

func (c *Client) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if c == nil || c.metricsRecorder == nil {
		return
	}
	c.metricsRecorder.ObserveHistogram(ctx, name, value, core.CloneTags(tags))
}

func (c *Client) logDebug(message string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Debug(message, flattenFields(fields)...)
}

func (c *Client) logError(message string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Error(message, flattenFields(fields)...)
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func normalizeOperation(op string) string {
	op = strings.TrimSpace(strings.ToLower(op))
	op = strings.ReplaceAll(op, " ", "_")
	op = strings.ReplaceAll(op, "-", "_")
	return op
}
