// Package telemetry records datagram socket metrics through the
// OpenTelemetry metric API.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/joshuafuller/dgram"

// SocketMetrics holds the per-process instruments shared by all sockets.
// A nil *SocketMetrics is valid and records nothing.
type SocketMetrics struct {
	datagramsSent     metric.Int64Counter
	bytesSent         metric.Int64Counter
	datagramsReceived metric.Int64Counter
	bytesReceived     metric.Int64Counter
	dropped           metric.Int64Counter
	failures          metric.Int64Counter
}

// NewSocketMetrics creates the instruments on the given provider. A nil
// provider falls back to the global one, which is a no-op until configured.
func NewSocketMetrics(provider metric.MeterProvider) *SocketMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)
	m := &SocketMetrics{}

	if counter, err := meter.Int64Counter("dgram_datagrams_sent",
		metric.WithDescription("Datagrams handed to the transport"),
		metric.WithUnit("{datagram}")); err == nil {
		m.datagramsSent = counter
	}
	if counter, err := meter.Int64Counter("dgram_bytes_sent",
		metric.WithDescription("Payload bytes reported sent by the transport"),
		metric.WithUnit("By")); err == nil {
		m.bytesSent = counter
	}
	if counter, err := meter.Int64Counter("dgram_datagrams_received",
		metric.WithDescription("Inbound datagrams delivered to the socket"),
		metric.WithUnit("{datagram}")); err == nil {
		m.datagramsReceived = counter
	}
	if counter, err := meter.Int64Counter("dgram_bytes_received",
		metric.WithDescription("Inbound payload bytes"),
		metric.WithUnit("By")); err == nil {
		m.bytesReceived = counter
	}
	if counter, err := meter.Int64Counter("dgram_datagrams_dropped",
		metric.WithDescription("Inbound datagrams dropped because the consumer fell behind"),
		metric.WithUnit("{datagram}")); err == nil {
		m.dropped = counter
	}
	if counter, err := meter.Int64Counter("dgram_operation_failures",
		metric.WithDescription("Failed bind, connect, send and lookup operations by operation"),
		metric.WithUnit("{failure}")); err == nil {
		m.failures = counter
	}
	return m
}

// Sent records one datagram of n bytes.
func (m *SocketMetrics) Sent(family string, n int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("family", family))
	if m.datagramsSent != nil {
		m.datagramsSent.Add(context.Background(), 1, attrs)
	}
	if m.bytesSent != nil && n > 0 {
		m.bytesSent.Add(context.Background(), int64(n), attrs)
	}
}

// Received records one inbound datagram of n bytes.
func (m *SocketMetrics) Received(family string, n int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("family", family))
	if m.datagramsReceived != nil {
		m.datagramsReceived.Add(context.Background(), 1, attrs)
	}
	if m.bytesReceived != nil && n > 0 {
		m.bytesReceived.Add(context.Background(), int64(n), attrs)
	}
}

// Dropped records one inbound datagram discarded before delivery.
func (m *SocketMetrics) Dropped(family string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("family", family)))
}

// Failed records a failed operation ("bind", "connect", "send", "lookup").
func (m *SocketMetrics) Failed(family, operation string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("family", family),
		attribute.String("operation", operation),
	))
}
