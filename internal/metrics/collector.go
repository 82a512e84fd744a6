package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements prometheus.Collector, reading an Aggregator's
// live state at scrape time rather than via pre-incremented counters
// — the same pattern the teacher used for live connection-pool and
// in-flight-call gauges, applied here to service uptime and the
// rolling error-rate window that drives the degraded threshold.
type Collector struct {
	agg *Aggregator

	uptime        *prometheus.Desc
	errorsWindow  *prometheus.Desc
	mqttConnected *prometheus.Desc
}

// NewCollector returns a Collector reading agg's live state at scrape
// time. agg may be nil, in which case all gauges report 0.
func NewCollector(agg *Aggregator) *Collector {
	return &Collector{
		agg: agg,
		uptime: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "uptime_seconds"),
			"Seconds since the service process started.",
			nil, nil,
		),
		errorsWindow: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "errors_last_60s"),
			"Errors recorded in the trailing 60 second window.",
			nil, nil,
		),
		mqttConnected: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "mqtt_connected"),
			"1 if the bus transport is currently connected, else 0.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.uptime
	ch <- c.errorsWindow
	ch <- c.mqttConnected
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.agg == nil {
		ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.errorsWindow, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.mqttConnected, prometheus.GaugeValue, 0)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, c.agg.Uptime().Seconds())
	ch <- prometheus.MustNewConstMetric(c.errorsWindow, prometheus.GaugeValue, float64(c.agg.ErrorsInWindow(degradedWindow)))
	connected := 0.0
	if c.agg.MQTTConnected() {
		connected = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.mqttConnected, prometheus.GaugeValue, connected)
}
