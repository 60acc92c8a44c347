package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats a snapshot in the Prometheus text exposition
// format, suitable for serving on /metrics.
func FormatPrometheus(s Snapshot) string {
	var b strings.Builder

	b.WriteString("# HELP gengate_uptime_seconds Time since the process started.\n")
	b.WriteString("# TYPE gengate_uptime_seconds gauge\n")
	fmt.Fprintf(&b, "gengate_uptime_seconds %d\n\n", s.Uptime)

	b.WriteString("# HELP gengate_requests_submitted_total Generation requests accepted for dispatch.\n")
	b.WriteString("# TYPE gengate_requests_submitted_total counter\n")
	fmt.Fprintf(&b, "gengate_requests_submitted_total %d\n\n", s.TotalSubmitted)

	b.WriteString("# HELP gengate_requests_rejected_busy_total Requests rejected because the worker pool was saturated.\n")
	b.WriteString("# TYPE gengate_requests_rejected_busy_total counter\n")
	fmt.Fprintf(&b, "gengate_requests_rejected_busy_total %d\n\n", s.TotalRejectedBusy)

	b.WriteString("# HELP gengate_streams_in_progress Streams currently being relayed to callers.\n")
	b.WriteString("# TYPE gengate_streams_in_progress gauge\n")
	fmt.Fprintf(&b, "gengate_streams_in_progress %d\n\n", s.StreamsInProgress)

	b.WriteString("# HELP gengate_attempts_total Dispatch attempts by outcome.\n")
	b.WriteString("# TYPE gengate_attempts_total counter\n")
	for _, outcome := range sortedKeys(s.AttemptsByOutcome) {
		fmt.Fprintf(&b, "gengate_attempts_total{outcome=%q} %d\n", outcome, s.AttemptsByOutcome[outcome])
	}
	b.WriteString("\n")

	b.WriteString("# HELP gengate_credential_attempts_total Dispatch attempts by credential.\n")
	b.WriteString("# TYPE gengate_credential_attempts_total counter\n")
	for _, cred := range sortedKeys(s.AttemptsByCredential) {
		fmt.Fprintf(&b, "gengate_credential_attempts_total{credential=%q} %d\n", cred, s.AttemptsByCredential[cred])
	}
	b.WriteString("\n")

	b.WriteString("# HELP gengate_credential_latency_ms_total Cumulative upstream latency by credential in milliseconds.\n")
	b.WriteString("# TYPE gengate_credential_latency_ms_total counter\n")
	for _, cred := range sortedKeys(s.AttemptLatency) {
		fmt.Fprintf(&b, "gengate_credential_latency_ms_total{credential=%q} %d\n", cred, s.AttemptLatency[cred])
	}
	b.WriteString("\n")

	b.WriteString("# HELP gengate_acquire_exhausted_total Acquire calls that found no usable credential.\n")
	b.WriteString("# TYPE gengate_acquire_exhausted_total counter\n")
	fmt.Fprintf(&b, "gengate_acquire_exhausted_total %d\n\n", s.AcquireExhausted)

	b.WriteString("# HELP gengate_chunks_delivered_total Chunks delivered to callers.\n")
	b.WriteString("# TYPE gengate_chunks_delivered_total counter\n")
	fmt.Fprintf(&b, "gengate_chunks_delivered_total %d\n\n", s.ChunksDelivered)

	b.WriteString("# HELP gengate_deadline_expiries_total Relay streams terminated by the per-request deadline.\n")
	b.WriteString("# TYPE gengate_deadline_expiries_total counter\n")
	fmt.Fprintf(&b, "gengate_deadline_expiries_total %d\n", s.DeadlineExpiries)

	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
