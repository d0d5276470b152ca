package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_relay_online_conns",
		Help: "Current registered websocket connections.",
	})
	Superseded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_superseded_total",
		Help: "Total connections closed because the same user connected again.",
	})

	Forwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_relay_forwarded_total",
		Help: "Total frames forwarded to an online recipient.",
	}, []string{"type"})
	Enqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_relay_enqueued_total",
		Help: "Total frames persisted for an offline recipient.",
	}, []string{"type"})
	ForwardFallback = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_forward_fallback_total",
		Help: "Total live forwards that failed and were persisted instead.",
	})
	Dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_relay_dropped_total",
		Help: "Total inbound frames dropped (malformed, unknown type).",
	}, []string{"reason"})

	Replayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_relay_replayed_total",
		Help: "Total pending items delivered on reconnect.",
	}, []string{"queue"})
	ReplayAborted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_replay_aborted_total",
		Help: "Total replays cut short by a closed channel.",
	})
	PendingCorrupt = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_relay_pending_corrupt_total",
		Help: "Total pending records skipped because they failed to decode.",
	}, []string{"queue"})
	PendingTrimmed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_relay_pending_trimmed_total",
		Help: "Total pending records dropped by the max_keep cap.",
	}, []string{"queue"})
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_relay_store_errors_total",
		Help: "Total pending/history store failures.",
	}, []string{"op"})

	PresenceSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_presence_sent_total",
		Help: "Total status_update notices queued to observers.",
	})
	PresenceFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_presence_failed_total",
		Help: "Total status_update notices that could not be queued.",
	})
	PresenceSubjects = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_relay_presence_subjects",
		Help: "Users that at least one observer wants status updates about.",
	})
)

func Register() {
	prometheus.MustRegister(
		OnlineConns, Superseded,
		Forwarded, Enqueued, ForwardFallback, Dropped,
		Replayed, ReplayAborted, PendingCorrupt, PendingTrimmed, StoreErrors,
		PresenceSent, PresenceFailed, PresenceSubjects,
	)
}
