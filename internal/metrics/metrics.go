package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	WebhookRequests  prometheus.Counter
	WebhookFailures  prometheus.Counter
	MessagesAppended prometheus.Counter
	AudioCacheHits   prometheus.Counter
	AudioCacheMisses prometheus.Counter
	AudioEvicted     prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			WebhookRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lorekeeper",
				Name:      "webhook_requests_total",
				Help:      "Total requests sent to the DM webhook",
			}),
			WebhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lorekeeper",
				Name:      "webhook_failures_total",
				Help:      "Total DM webhook requests that failed after retries",
			}),
			MessagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lorekeeper",
				Name:      "chat_messages_appended_total",
				Help:      "Total messages appended to chat history",
			}),
			AudioCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lorekeeper",
				Name:      "audio_cache_hits_total",
				Help:      "Total audio lookups served from the local cache",
			}),
			AudioCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lorekeeper",
				Name:      "audio_cache_misses_total",
				Help:      "Total audio lookups that required a remote fetch",
			}),
			AudioEvicted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lorekeeper",
				Name:      "audio_evicted_total",
				Help:      "Total audio cache entries removed by TTL vacuum",
			}),
		}
		prometheus.MustRegister(
			global.WebhookRequests,
			global.WebhookFailures,
			global.MessagesAppended,
			global.AudioCacheHits,
			global.AudioCacheMisses,
			global.AudioEvicted,
		)
	})
	return global
}
