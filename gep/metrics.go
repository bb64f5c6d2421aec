package gep

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SubscriberCollector exposes a subscriber's transfer statistics as
// prometheus metrics. Register it with any prometheus registry:
//
//	prometheus.MustRegister(gep.NewSubscriberCollector(subscriber))
type SubscriberCollector struct {
	subscriber *Subscriber

	commandChannelBytes  *prometheus.Desc
	dataChannelBytes     *prometheus.Desc
	measurementsReceived *prometheus.Desc
	connected            *prometheus.Desc
	subscribed           *prometheus.Desc
}

// NewSubscriberCollector creates a collector bound to a subscriber.
func NewSubscriberCollector(subscriber *Subscriber) *SubscriberCollector {
	return &SubscriberCollector{
		subscriber: subscriber,
		commandChannelBytes: prometheus.NewDesc(
			"gep_command_channel_bytes_received_total",
			"Bytes received on the TCP command channel since the last connection.",
			nil, nil,
		),
		dataChannelBytes: prometheus.NewDesc(
			"gep_data_channel_bytes_received_total",
			"Bytes received on the data channel since the last connection.",
			nil, nil,
		),
		measurementsReceived: prometheus.NewDesc(
			"gep_measurements_received_total",
			"Measurements received since the last subscription.",
			nil, nil,
		),
		connected: prometheus.NewDesc(
			"gep_connected",
			"Whether the command channel is currently established.",
			nil, nil,
		),
		subscribed: prometheus.NewDesc(
			"gep_subscribed",
			"Whether a subscription is currently acknowledged.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *SubscriberCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.commandChannelBytes
	ch <- c.dataChannelBytes
	ch <- c.measurementsReceived
	ch <- c.connected
	ch <- c.subscribed
}

// Collect implements prometheus.Collector.
func (c *SubscriberCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.commandChannelBytes, prometheus.CounterValue,
		float64(c.subscriber.TotalCommandChannelBytesReceived()))
	ch <- prometheus.MustNewConstMetric(c.dataChannelBytes, prometheus.CounterValue,
		float64(c.subscriber.TotalDataChannelBytesReceived()))
	ch <- prometheus.MustNewConstMetric(c.measurementsReceived, prometheus.CounterValue,
		float64(c.subscriber.TotalMeasurementsReceived()))
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue,
		boolGauge(c.subscriber.IsConnected()))
	ch <- prometheus.MustNewConstMetric(c.subscribed, prometheus.GaugeValue,
		boolGauge(c.subscriber.IsSubscribed()))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
