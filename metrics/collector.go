// Package metrics exports renderer statistics to Prometheus.
//
// The collector reads a Stats snapshot on every scrape, so nothing has to
// be updated on the render path:
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(metrics.NewCollector(renderer, "mtr"))
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package metrics

import (
	"github.com/gogpu/deferred"
	"github.com/gogpu/deferred/ring"
	"github.com/prometheus/client_golang/prometheus"
)

// Source provides the statistics snapshot. *deferred.Renderer implements it.
type Source interface {
	Stats() deferred.Stats
}

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	source Source

	jobSlots      *prometheus.Desc
	jobs          *prometheus.Desc
	ringUsed      *prometheus.Desc
	ringCapacity  *prometheus.Desc
	ringAllocs    *prometheus.Desc
	ringExhausted *prometheus.Desc
	reclaimStalls *prometheus.Desc
	smallBlocks   *prometheus.Desc
	frames        *prometheus.Desc
}

// NewCollector creates a collector whose metric names start with namespace.
func NewCollector(source Source, namespace string) *Collector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "", n) }
	ringLabels := []string{"ring"}
	return &Collector{
		source: source,
		jobSlots: prometheus.NewDesc(name("job_slots"),
			"Job slots by state.", []string{"state"}, nil),
		jobs: prometheus.NewDesc(name("jobs_total"),
			"Deferred jobs by event.", []string{"event"}, nil),
		ringUsed: prometheus.NewDesc(name("ring_used_bytes"),
			"Bytes held by unreclaimed frames and the current frame.", ringLabels, nil),
		ringCapacity: prometheus.NewDesc(name("ring_capacity_bytes"),
			"Ring arena size in bytes.", ringLabels, nil),
		ringAllocs: prometheus.NewDesc(name("ring_allocations_total"),
			"Successful ring allocations.", ringLabels, nil),
		ringExhausted: prometheus.NewDesc(name("ring_exhausted_total"),
			"Ring allocations refused for lack of space.", ringLabels, nil),
		reclaimStalls: prometheus.NewDesc(name("reclaim_stalls_total"),
			"Frame reclaims that had to wait for the GPU.", ringLabels, nil),
		smallBlocks: prometheus.NewDesc(name("small_constants_total"),
			"Small constant blocks by source.", []string{"source"}, nil),
		frames: prometheus.NewDesc(name("frames_total"),
			"Completed frame boundaries.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobSlots
	ch <- c.jobs
	ch <- c.ringUsed
	ch <- c.ringCapacity
	ch <- c.ringAllocs
	ch <- c.ringExhausted
	ch <- c.reclaimStalls
	ch <- c.smallBlocks
	ch <- c.frames
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	busy := s.Jobs.Slots - s.Jobs.Free - s.Jobs.Pending
	gauge(ch, c.jobSlots, float64(s.Jobs.Free), "free")
	gauge(ch, c.jobSlots, float64(s.Jobs.Pending), "pending")
	gauge(ch, c.jobSlots, float64(max(busy, 0)), "busy")

	counter(ch, c.jobs, float64(s.Jobs.Submitted), "submitted")
	counter(ch, c.jobs, float64(s.Jobs.Completed), "completed")
	counter(ch, c.jobs, float64(s.Jobs.Failed), "failed")

	for _, r := range []struct {
		name string
		st   ring.Stats
	}{
		{"vertex", s.Vertex},
		{"constant", s.Constant},
	} {
		gauge(ch, c.ringUsed, float64(r.st.Used), r.name)
		gauge(ch, c.ringCapacity, float64(r.st.Capacity), r.name)
		counter(ch, c.ringAllocs, float64(r.st.Allocations), r.name)
		counter(ch, c.ringExhausted, float64(r.st.Exhausted), r.name)
		counter(ch, c.reclaimStalls, float64(r.st.Stalls), r.name)
	}

	counter(ch, c.smallBlocks, float64(s.Small.Hits), "pool")
	counter(ch, c.smallBlocks, float64(s.Small.Fallbacks), "fallback")

	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(s.Frames))
}

func gauge(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, label string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, label)
}

func counter(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, label string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, label)
}
