package gateway

import "testing"

func TestClassifyReject(t *testing.T) {
	cases := []struct {
		reason string
		want   RejectClass
	}{
		{"order outside price band", RejectPriceBand},
		{"immediate_execution_post_only", RejectPriceBand},
		{"post only order would cross", RejectPostOnly},
		{"insufficient margin", RejectMargin},
		{"Margin check failed", RejectMargin},
		{"unknown product", RejectOther},
	}
	for _, tc := range cases {
		if got := ClassifyReject(tc.reason); got != tc.want {
			t.Fatalf("ClassifyReject(%q) = %s, want %s", tc.reason, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !RejectPriceBand.Retryable() || !RejectPostOnly.Retryable() {
		t.Fatalf("price band and post only rejects must be retryable")
	}
	if RejectMargin.Retryable() || RejectOther.Retryable() {
		t.Fatalf("margin and other rejects must not be retryable")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{StatusFilled, StatusCancelled, StatusRejected} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{StatusPendingSubmit, StatusOpen, StatusPartiallyFilled} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
