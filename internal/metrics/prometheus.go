package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "delta_pyramid_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{
		OrdersPlaced:        promCounter{newCounter("orders_placed_total", "Total number of orders submitted.")},
		OrdersCancelled:     promCounter{newCounter("orders_cancelled_total", "Total number of orders cancelled.")},
		OrdersRejected:      promCounter{newCounter("orders_rejected_total", "Total number of order rejections.")},
		Fills:               promCounter{newCounter("fills_total", "Total number of fill events applied.")},
		PartialFills:        promCounter{newCounter("partial_fills_total", "Total number of partial fills handled.")},
		Flips:               promCounter{newCounter("flips_total", "Total number of position flips.")},
		Reconciles:          promCounter{newCounter("reconciles_total", "Total number of exchange reconciliation passes.")},
		InvariantViolations: promCounter{newCounter("invariant_violations_total", "Total number of live-order invariant violations detected.")},
		Halts:               promCounter{newCounter("halts_total", "Total number of submission halts.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
