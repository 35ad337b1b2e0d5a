package core

import "context"

// NopMetricsRecorder drops every measurement. The client falls back to
// it when no recorder is wired so operation accounting never needs a
// nil check.
type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// CloneTags copies the tag set before it crosses into a recorder.
// Operation tags (operation, status) are reused across the counter and
// histogram emitted per request, so recorders must not see shared maps.
func CloneTags(tags map[string]string) map[string]string {
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ MetricsRecorder = NopMetricsRecorder{}
