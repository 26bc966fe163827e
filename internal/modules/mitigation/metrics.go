package mitigation

import (
	"github.com/1sec-project/dioguard/internal/detect"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	observations *prometheus.CounterVec
	blacklisted  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, engine *detect.Engine) (*metrics, error) {
	m := &metrics{
		observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dioguard",
			Name:      "observations_total",
			Help:      "DIO advertisements evaluated, by verdict.",
		}, []string{"verdict"}),
		blacklisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dioguard",
			Name:      "blacklisted_total",
			Help:      "Blacklist entries created.",
		}),
	}
	for _, v := range []detect.Verdict{detect.Accepted, detect.RejectedBlacklisted, detect.RejectedHighFrequency, detect.RejectedDuplicate} {
		m.observations.WithLabelValues(v.String())
	}

	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "dioguard",
		Name:      "blacklist_active",
		Help:      "Active blacklist entries.",
	}, func() float64 { return float64(len(engine.Snapshot().Blacklist)) })
	tracked := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "dioguard",
		Name:      "nodes_tracked",
		Help:      "Senders held in the observation table.",
	}, func() float64 { return float64(len(engine.Snapshot().Observations)) })

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.observations, m.blacklisted, active, tracked} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
