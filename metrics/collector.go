// Package metrics exports hub statistics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/opd-ai/hubmesh/hub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hubmesh"

// Source is what the collector reads; *hub.Hub implements it.
type Source interface {
	Statistics() []hub.LinkStatistics
	CircuitCount() int
	Uptime() time.Duration
	KnownHubs() int
}

// Collector turns a hub's link counters into Prometheus metrics at scrape
// time.
type Collector struct {
	src Source

	frames    *prometheus.Desc
	bytes     *prometheus.Desc
	links     *prometheus.Desc
	circuits  *prometheus.Desc
	knownHubs *prometheus.Desc
	uptime    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for src.
func NewCollector(src Source) *Collector {
	return &Collector{
		src: src,
		frames: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "link", "frames_total"),
			"Frames sent or received per physical link.",
			[]string{"peer", "kind", "direction"}, nil,
		),
		bytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "link", "bytes_total"),
			"Bytes sent or received per physical link.",
			[]string{"peer", "kind", "direction"}, nil,
		),
		links: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "links"),
			"Open physical links by kind.",
			[]string{"kind"}, nil,
		),
		circuits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "circuits"),
			"Virtual circuits relayed by this hub.",
			nil, nil,
		),
		knownHubs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "known_hubs"),
			"Hubs in the membership store, including this one.",
			nil, nil,
		),
		uptime: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "uptime_seconds"),
			"Time since the hub started.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.frames
	ch <- c.bytes
	ch <- c.links
	ch <- c.circuits
	ch <- c.knownHubs
	ch <- c.uptime
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counts := map[hub.LinkKind]int{hub.KindHub: 0, hub.KindClient: 0}
	for _, s := range c.src.Statistics() {
		kind := string(s.Kind)
		counts[s.Kind]++
		ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(s.FramesIn), s.Peer, kind, "in")
		ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(s.FramesOut), s.Peer, kind, "out")
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.BytesIn), s.Peer, kind, "in")
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.BytesOut), s.Peer, kind, "out")
	}
	for kind, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.links, prometheus.GaugeValue, float64(n), string(kind))
	}
	ch <- prometheus.MustNewConstMetric(c.circuits, prometheus.GaugeValue, float64(c.src.CircuitCount()))
	ch <- prometheus.MustNewConstMetric(c.knownHubs, prometheus.GaugeValue, float64(c.src.KnownHubs()))
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, c.src.Uptime().Seconds())
}

// Handler returns a /metrics handler serving src on its own registry,
// together with the Go runtime and process collectors.
func Handler(src Source) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(src)); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
