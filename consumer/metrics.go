package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lastEventIDGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "twclone_consumer_last_event_id",
	Help: "gauge of the persisted consumer watermark",
})

var lagGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "twclone_consumer_lag",
	Help: "gauge of committed events beyond the watermark",
})

var processedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "twclone_consumer_processed_total",
	Help: "counter of events successfully applied",
})

var quarantinedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "twclone_consumer_quarantined_total",
	Help: "counter of events routed to the dead letter",
})
