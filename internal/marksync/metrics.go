package marksync

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("marksync.engine")

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marksync_events_total",
		Help: "Inbound host events by kind and outcome.",
	}, []string{"kind", "result"})

	externalWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marksync_external_writes_total",
		Help: "Writes mirrored to the host tree by operation and outcome.",
	}, []string{"op", "result"})

	prunedFoldersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marksync_pruned_folders_total",
		Help: "Empty folders removed by the integrity pass.",
	})

	resyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marksync_resync_total",
		Help: "Container resyncs by role and outcome.",
	}, []string{"role", "result"})

	resyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marksync_resync_duration_seconds",
		Help:    "Duration of a container resync.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
)

const (
	resultApplied    = "applied"
	resultLocked     = "dropped_locked"
	resultOutOfScope = "out_of_scope"
	resultTracked    = "already_tracked"
	resultOK         = "ok"
	resultFailed     = "failed"
	resultSkipped    = "skipped"
)

func recordWrite(op string, ok bool) {
	result := resultOK
	if !ok {
		result = resultFailed
	}
	externalWritesTotal.WithLabelValues(op, result).Inc()
}

func startWriteSpan(ctx context.Context, op, itemID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "marksync.write."+op,
		trace.WithAttributes(
			attribute.String("marksync.item_id", itemID),
		),
	)
}
