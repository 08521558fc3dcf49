package gateway

import "strings"

type RejectClass string

const (
	RejectPriceBand RejectClass = "price_band"
	RejectPostOnly  RejectClass = "post_only"
	RejectMargin    RejectClass = "margin"
	RejectOther     RejectClass = "other"
)

// ClassifyReject buckets a venue reject reason into the retry taxonomy:
// price-band and post-only rejects are reprice-and-retry candidates, margin
// rejects escalate to a halt, everything else is fatal configuration.
func ClassifyReject(reason string) RejectClass {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "price band"), strings.Contains(lower, "price_band"), strings.Contains(lower, "immediate_execution"):
		return RejectPriceBand
	case strings.Contains(lower, "post only"), strings.Contains(lower, "post_only"), strings.Contains(lower, "would cross"):
		return RejectPostOnly
	case strings.Contains(lower, "margin"), strings.Contains(lower, "insufficient"):
		return RejectMargin
	default:
		return RejectOther
	}
}

// Retryable reports whether a reject class qualifies for reprice-and-retry.
func (c RejectClass) Retryable() bool {
	return c == RejectPriceBand || c == RejectPostOnly
}
