package core

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Block Verifier/Applier's Prometheus counters
// (SPEC_FULL.md §4.5), grounded on dyphira-git-yaci and
// lightningnetwork-lnd's use of github.com/prometheus/client_golang.
// Registration is optional: a nil Registerer at NewEngine time (e.g. in
// tests) leaves the counters live but unregistered.
type metrics struct {
	blocksAccepted prometheus.Counter
	blocksRejected *prometheus.CounterVec
	reorgsTotal    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		blocksAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blocknet_blocks_accepted_total",
			Help: "Blocks accepted onto the main chain.",
		}),
		blocksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blocknet_blocks_rejected_total",
			Help: "Blocks rejected, labeled by rejection reason.",
		}, []string{"reason"}),
		reorgsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blocknet_reorgs_total",
			Help: "Completed reorganizations onto a heavier alternate chain.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.blocksAccepted, m.blocksRejected, m.reorgsTotal)
	}
	return m
}

func rejectReason(vc *VerificationContext) string {
	switch {
	case vc == nil:
		return "unknown"
	case vc.DoubleSpend:
		return "double_spend"
	case vc.LowMixin:
		return "low_mixin"
	case vc.InvalidOutput:
		return "invalid_output"
	case vc.PartialBlockReward:
		return "partial_block_reward"
	case vc.VerificationFailed:
		return vc.FailureKind.String()
	default:
		return "unknown"
	}
}
