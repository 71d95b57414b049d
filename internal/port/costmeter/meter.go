// Package costmeter defines the port for the external cost/usage tracker.
package costmeter

import "context"

// Meter records execution and correction cost signals. Implementations must
// be cheap and non-blocking; the orchestrator calls them on every execution.
type Meter interface {
	RecordExecution(ctx context.Context, taskType string, durationMS int64, success bool)
	RecordCorrection(ctx context.Context, strategy string, success bool)
	RecordConfidence(ctx context.Context, taskType string, confidence int)
}
