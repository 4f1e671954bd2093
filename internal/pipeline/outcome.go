package pipeline

import "time"

// BuildOutcome assembles the persisted record for a Task from its terminal
// fetch result. Pure: no I/O, no clock reads, deterministic given inputs.
func BuildOutcome(task Task, result FetchResult, fetchedAt time.Time) Outcome {
	out := Outcome{
		ID:        task.ID,
		URL:       task.URL,
		FetchedAt: fetchedAt,
		LatencyMS: result.Latency.Milliseconds(),
	}
	if result.AttemptCount > 0 {
		out.Meta.Retries = result.AttemptCount - 1
	}
	if result.StatusCode != 0 {
		code := result.StatusCode
		out.StatusCode = &code
	}
	if result.Body != nil {
		length := int64(len(result.Body))
		out.ContentLength = &length
		out.Body = result.Body
	}
	if result.Err != nil {
		kind := string(result.Err.Kind)
		out.Error = &kind
	}
	return out
}
