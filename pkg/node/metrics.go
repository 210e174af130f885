package node

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics instruments for node state and routing.
// When no MeterProvider is configured (noop), all recording is zero-cost.
var (
	meter = otel.Meter("fedchat.node")

	metricUsersLocal       metric.Int64UpDownCounter
	metricPeersKnown       metric.Int64UpDownCounter
	metricMailEnqueued     metric.Int64Counter
	metricMessagesRouted   metric.Int64Counter
	metricSweepEvictions   metric.Int64Counter
	metricPeerSendFailures metric.Int64Counter

	bgCtx = context.Background()
)

func init() {
	var err error

	metricUsersLocal, err = meter.Int64UpDownCounter("fedchat.users.local",
		metric.WithDescription("Users homed on this node"),
		metric.WithUnit("{users}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricPeersKnown, err = meter.Int64UpDownCounter("fedchat.peers.known",
		metric.WithDescription("Known federated peers"),
		metric.WithUnit("{peers}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricMailEnqueued, err = meter.Int64Counter("fedchat.mailbox.enqueued",
		metric.WithDescription("Envelopes queued for polling"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricMessagesRouted, err = meter.Int64Counter("fedchat.messages.routed",
		metric.WithDescription("Direct messages routed, by outcome"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricSweepEvictions, err = meter.Int64Counter("fedchat.sweep.evictions",
		metric.WithDescription("Local users evicted by the liveness sweep"),
		metric.WithUnit("{users}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricPeerSendFailures, err = meter.Int64Counter("fedchat.peer_send.failures",
		metric.WithDescription("Best-effort peer sends that failed"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}

// RecordRouted counts one routing decision: "local", "forwarded", or
// "unknown".
func RecordRouted(outcome string) {
	metricMessagesRouted.Add(bgCtx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSweepEviction counts one stale-user eviction.
func RecordSweepEviction() {
	metricSweepEvictions.Add(bgCtx, 1)
}

// RecordPeerSendFailure counts one failed best-effort peer send.
func RecordPeerSendFailure() {
	metricPeerSendFailures.Add(bgCtx, 1)
}
