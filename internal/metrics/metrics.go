package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced        Counter
	OrdersCancelled     Counter
	OrdersRejected      Counter
	Fills               Counter
	PartialFills        Counter
	Flips               Counter
	Reconciles          Counter
	InvariantViolations Counter
	Halts               Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:        n,
		OrdersCancelled:     n,
		OrdersRejected:      n,
		Fills:               n,
		PartialFills:        n,
		Flips:               n,
		Reconciles:          n,
		InvariantViolations: n,
		Halts:               n,
	}
}
