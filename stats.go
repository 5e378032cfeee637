package mccache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time snapshot of one LocalCache's operational
// counters.
type Stats struct {
	Inserts            uint64
	Updates            uint64
	Deletes            uint64
	Evicts             uint64
	Lookups            uint64
	Misses             uint64
	Spikes             uint64
	AvgSpikeIntervalNS float64
	ByteSize           int64
}

// cacheMetrics holds the live counters backing Stats plus the
// Prometheus collectors registered once per named cache. It keeps no
// internal locking of its own — synchronization is handled at the
// owning LocalCache's mutex.
type cacheMetrics struct {
	inserts, updates, deletes, evicts uint64
	lookups, misses                   uint64
	spikes                            uint64
	avgSpikeIntervalNS                float64
	lastMutation                      time.Time

	promInserts  prometheus.Counter
	promUpdates  prometheus.Counter
	promDeletes  prometheus.Counter
	promEvicts   prometheus.Counter
	promLookups  prometheus.Counter
	promMisses   prometheus.Counter
	promByteSize prometheus.Gauge
}

const spikeWindow = 5 * time.Second

func newCacheMetrics(namespace string, reg prometheus.Registerer) *cacheMetrics {
	m := &cacheMetrics{
		promInserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mccache_inserts_total", Help: "Inserts into a named cache.",
			ConstLabels: prometheus.Labels{"cache": namespace},
		}),
		promUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mccache_updates_total", Help: "Updates into a named cache.",
			ConstLabels: prometheus.Labels{"cache": namespace},
		}),
		promDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mccache_deletes_total", Help: "Deletes from a named cache.",
			ConstLabels: prometheus.Labels{"cache": namespace},
		}),
		promEvicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mccache_evicts_total", Help: "Evictions from a named cache (TTL or capacity).",
			ConstLabels: prometheus.Labels{"cache": namespace},
		}),
		promLookups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mccache_lookups_total", Help: "Get() calls against a named cache.",
			ConstLabels: prometheus.Labels{"cache": namespace},
		}),
		promMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mccache_misses_total", Help: "Get() calls that found nothing.",
			ConstLabels: prometheus.Labels{"cache": namespace},
		}),
		promByteSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mccache_byte_size", Help: "Current aggregate value byte size of a named cache.",
			ConstLabels: prometheus.Labels{"cache": namespace},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.promInserts, m.promUpdates, m.promDeletes,
			m.promEvicts, m.promLookups, m.promMisses, m.promByteSize)
	}
	return m
}

// recordMutation folds a successful insert/update into the
// spike-interval moving average: two or more mutations of the same
// cache within 5s count as a "spike". Caller must hold the owning
// LocalCache's lock.
func (m *cacheMetrics) recordMutation(now time.Time) {
	if !m.lastMutation.IsZero() {
		gap := now.Sub(m.lastMutation)
		if gap <= spikeWindow {
			m.spikes++
			gapNS := float64(gap.Nanoseconds())
			if m.avgSpikeIntervalNS == 0 {
				m.avgSpikeIntervalNS = gapNS
			} else {
				// exponential moving average, alpha=0.2
				m.avgSpikeIntervalNS = m.avgSpikeIntervalNS*0.8 + gapNS*0.2
			}
		}
	}
	m.lastMutation = now
}

// snapshot must be called with the owning LocalCache's lock held.
func (m *cacheMetrics) snapshot(byteSize int64) Stats {
	return Stats{
		Inserts:            m.inserts,
		Updates:            m.updates,
		Deletes:            m.deletes,
		Evicts:             m.evicts,
		Lookups:            m.lookups,
		Misses:             m.misses,
		Spikes:             m.spikes,
		AvgSpikeIntervalNS: m.avgSpikeIntervalNS,
		ByteSize:           byteSize,
	}
}
