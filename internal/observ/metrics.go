package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "engine"

// registry lazily creates one vector per metric name. The label key set of the
// first call wins; later calls with a different key set are dropped and counted.
type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
	dropped  prometheus.Counter
}

var reg = newRegistry()

func newRegistry() *registry {
	r := &registry{
		prom:     prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_label_mismatch_total",
			Help:      "Observations dropped because their label set differed from the registered one.",
		}),
	}
	r.prom.MustRegister(r.dropped)
	r.prom.MustRegister(collectors.NewGoCollector())
	r.prom.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

// Reset drops every registered metric. Used by tests.
func Reset() {
	reg = newRegistry()
}

func labelKeys(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func (r *registry) counter(name string, labels map[string]string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.counters[name]; ok {
		return v
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      metricName(name),
		Help:      name,
	}, labelKeys(labels))
	if err := r.prom.Register(v); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			v = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	r.counters[name] = v
	return v
}

func (r *registry) gauge(name string, labels map[string]string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.gauges[name]; ok {
		return v
	}
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      metricName(name),
		Help:      name,
	}, labelKeys(labels))
	if err := r.prom.Register(v); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			v = are.ExistingCollector.(*prometheus.GaugeVec)
		}
	}
	r.gauges[name] = v
	return v
}

func (r *registry) histogram(name string, labels map[string]string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.hist[name]; ok {
		return v
	}
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      metricName(name),
		Help:      name,
		Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
	}, labelKeys(labels))
	if err := r.prom.Register(v); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			v = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	r.hist[name] = v
	return v
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	r := reg
	c, err := r.counter(name, labels).GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		r.dropped.Inc()
		return
	}
	c.Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	r := reg
	g, err := r.gauge(name, labels).GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		r.dropped.Inc()
		return
	}
	g.Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	r := reg
	h, err := r.histogram(name, labels).GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		r.dropped.Inc()
		return
	}
	h.Observe(value)
}

// RecordDuration records a duration metric in milliseconds
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Counter returns the named counter vector, or nil if it was never touched.
func Counter(name string) *prometheus.CounterVec {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.counters[name]
}

// Gauge returns the named gauge vector, or nil if it was never touched.
func Gauge(name string) *prometheus.GaugeVec {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.gauges[name]
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}
