// Package metrics exposes runtime counters, gauges and histograms in the
// Prometheus text exposition format without depending on a client library.
// Families register themselves in a process-wide registry; the HTTP handler
// renders every family on each scrape.
package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Labels is the label set attached to a single series.
type Labels map[string]string

// body renders the label set as a sorted Prometheus label body, for example
// `adapter="uniswap_v3",status="completed"`. The rendered form doubles as the
// series key so equal label sets always collapse onto the same series.
func (l Labels) body() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for key := range l {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for idx, key := range keys {
		if idx > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(key)
		builder.WriteString("=\"")
		builder.WriteString(escape(l[key]))
		builder.WriteByte('"')
	}
	return builder.String()
}

// Sample is a single reading produced by a sampled family at scrape time.
type Sample struct {
	Labels Labels
	Value  float64
}

// Counter is a monotonically increasing metric family.
type Counter struct {
	name string
	help string

	mu     sync.Mutex
	series map[string]float64
}

// NewCounter registers a counter family in the default registry.
func NewCounter(name, help string) *Counter {
	counter := &Counter{
		name:   name,
		help:   help,
		series: make(map[string]float64),
	}
	defaultRegistry.addCounter(counter)
	return counter
}

// Inc adds one to the series identified by labels.
func (c *Counter) Inc(labels Labels) {
	c.Add(labels, 1)
}

// Add adds delta to the series identified by labels. Negative deltas are
// ignored to preserve monotonicity.
func (c *Counter) Add(labels Labels, delta float64) {
	if delta < 0 {
		return
	}
	key := labels.body()
	c.mu.Lock()
	c.series[key] += delta
	c.mu.Unlock()
}

func (c *Counter) render(builder *strings.Builder) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.series))
	values := make(map[string]float64, len(c.series))
	for key, value := range c.series {
		keys = append(keys, key)
		values[key] = value
	}
	c.mu.Unlock()

	sort.Strings(keys)
	writeHeader(builder, c.name, c.help, "counter")
	for _, key := range keys {
		writeSeries(builder, c.name, key, values[key])
	}
}

// Histogram tracks value distributions across fixed, cumulative buckets, one
// distribution per label set.
type Histogram struct {
	name   string
	help   string
	bounds []float64

	mu     sync.Mutex
	series map[string]*histogram
}

// NewHistogram registers a histogram family with the given upper bounds.
// Bounds must be sorted ascending.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	h := &Histogram{
		name:   name,
		help:   help,
		bounds: append([]float64(nil), buckets...),
		series: make(map[string]*histogram),
	}
	defaultRegistry.addHistogram(h)
	return h
}

// Observe records one value on the unlabelled series.
func (h *Histogram) Observe(value float64) {
	h.ObserveWith(nil, value)
}

// ObserveWith records one value on the series identified by labels.
func (h *Histogram) ObserveWith(labels Labels, value float64) {
	key := labels.body()
	h.mu.Lock()
	series := h.series[key]
	if series == nil {
		series = &histogram{counts: make([]uint64, len(h.bounds))}
		h.series[key] = series
	}
	series.observe(h.bounds, value)
	h.mu.Unlock()
}

func (h *Histogram) render(builder *strings.Builder) {
	h.mu.Lock()
	keys := make([]string, 0, len(h.series))
	snapshots := make(map[string]histogram, len(h.series))
	for key, series := range h.series {
		keys = append(keys, key)
		snapshots[key] = histogram{
			counts: append([]uint64(nil), series.counts...),
			sum:    series.sum,
			count:  series.count,
		}
	}
	h.mu.Unlock()

	sort.Strings(keys)
	writeHeader(builder, h.name, h.help, "histogram")
	for _, key := range keys {
		series := snapshots[key]
		for idx, bound := range h.bounds {
			builder.WriteString(fmt.Sprintf("%s_bucket{%s} %d\n",
				h.name, joinLabelBody(key, `le="`+formatFloat(bound)+`"`), series.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("%s_bucket{%s} %d\n",
			h.name, joinLabelBody(key, `le="+Inf"`), series.count))
		writeSeries(builder, h.name+"_sum", key, series.sum)
		writeSeries(builder, h.name+"_count", key, float64(series.count))
	}
}

// histogram is the per-series bucket state behind a Histogram family. The
// counts slice is cumulative so render can emit bucket lines directly.
type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func (h *histogram) observe(bounds []float64, value float64) {
	h.count++
	h.sum += value
	for idx, bound := range bounds {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// sampledFamily reads its series through a callback on every scrape. It backs
// gauges fed from live component state and counters mirrored out of internal
// statistics snapshots.
type sampledFamily struct {
	name string
	help string
	typ  string
	fn   func() []Sample
}

func (s sampledFamily) render(builder *strings.Builder) {
	samples := s.fn()
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Labels.body() < samples[j].Labels.body()
	})
	writeHeader(builder, s.name, s.help, s.typ)
	for _, sample := range samples {
		writeSeries(builder, s.name, sample.Labels.body(), sample.Value)
	}
}

// RegisterGaugeFunc registers a gauge family whose samples are collected at
// scrape time.
func RegisterGaugeFunc(name, help string, fn func() []Sample) {
	registerSampled(name, help, "gauge", fn)
}

// RegisterCounterFunc registers a counter family whose cumulative values are
// read from component statistics at scrape time.
func RegisterCounterFunc(name, help string, fn func() []Sample) {
	registerSampled(name, help, "counter", fn)
}

func registerSampled(name, help, typ string, fn func() []Sample) {
	if fn == nil {
		return
	}
	defaultRegistry.addSampled(sampledFamily{name: name, help: help, typ: typ, fn: fn})
}

// registry keeps families in registration order so scrape output is stable.
type registry struct {
	mu         sync.Mutex
	counters   []*Counter
	histograms []*Histogram
	sampled    []sampledFamily
}

var defaultRegistry = &registry{}

func (r *registry) addCounter(c *Counter) {
	r.mu.Lock()
	r.counters = append(r.counters, c)
	r.mu.Unlock()
}

func (r *registry) addHistogram(h *Histogram) {
	r.mu.Lock()
	r.histograms = append(r.histograms, h)
	r.mu.Unlock()
}

func (r *registry) addSampled(s sampledFamily) {
	r.mu.Lock()
	r.sampled = append(r.sampled, s)
	r.mu.Unlock()
}

func (r *registry) render() string {
	r.mu.Lock()
	counters := append([]*Counter(nil), r.counters...)
	histograms := append([]*Histogram(nil), r.histograms...)
	sampled := append([]sampledFamily(nil), r.sampled...)
	r.mu.Unlock()

	var builder strings.Builder
	builder.Grow(2048)
	for _, counter := range counters {
		counter.render(&builder)
	}
	for _, hist := range histograms {
		hist.render(&builder)
	}
	for _, family := range sampled {
		family.render(&builder)
	}
	return builder.String()
}

func writeHeader(builder *strings.Builder, name, help, typ string) {
	builder.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	builder.WriteString(fmt.Sprintf("# TYPE %s %s\n", name, typ))
}

func writeSeries(builder *strings.Builder, name, labelBody string, value float64) {
	if labelBody == "" {
		builder.WriteString(fmt.Sprintf("%s %s\n", name, formatFloat(value)))
		return
	}
	builder.WriteString(fmt.Sprintf("%s{%s} %s\n", name, labelBody, formatFloat(value)))
}

func joinLabelBody(body, extra string) string {
	if body == "" {
		return extra
	}
	return body + "," + extra
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
