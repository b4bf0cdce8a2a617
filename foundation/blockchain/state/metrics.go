package state

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the chain store instrumentation.
type metrics struct {
	bestHeight prometheus.Gauge
	bestWork   prometheus.Gauge
	accepted   prometheus.Counter
	rejected   *prometheus.CounterVec
	reorgs     prometheus.Counter
	reorgDepth prometheus.Histogram
	orphans    prometheus.Gauge
	frozen     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := metrics{
		bestHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockstore",
			Name:      "best_height",
			Help:      "Height of the best chain head.",
		}),
		bestWork: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockstore",
			Name:      "best_work",
			Help:      "Cumulative work of the best chain head.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockstore",
			Name:      "blocks_accepted_total",
			Help:      "Blocks stored in the block index with their payload.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockstore",
			Name:      "blocks_rejected_total",
			Help:      "Blocks rejected by a consensus rule.",
		}, []string{"code"}),
		reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockstore",
			Name:      "reorgs_total",
			Help:      "Reorganizations that disconnected at least one block.",
		}),
		reorgDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blockstore",
			Name:      "reorg_depth",
			Help:      "Blocks disconnected per reorganization.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 55, 144},
		}),
		orphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockstore",
			Name:      "orphans",
			Help:      "Blocks held waiting for their parent.",
		}),
		frozen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockstore",
			Name:      "frozen",
			Help:      "Set to 1 once the store refuses further changes.",
		}),
	}

	collectors := []prometheus.Collector{
		m.bestHeight, m.bestWork, m.accepted, m.rejected,
		m.reorgs, m.reorgDepth, m.orphans, m.frozen,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &m, nil
}

// updateBestMetrics reflects the best chain head. Must be called with the
// lock held.
func (s *State) updateBestMetrics() {
	s.metrics.bestHeight.Set(float64(s.best.Height))
	if s.best.Work != nil {
		f, _ := new(big.Float).SetInt(s.best.Work.ToBig()).Float64()
		s.metrics.bestWork.Set(f)
	}
}
