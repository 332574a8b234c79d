// Package metrics exposes Prometheus collectors for the judge pipeline
// and samples host resource usage in the background.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"judgebox/internal/judge/model"
)

const defaultSampleInterval = 5 * time.Second

// DepthFunc reports the current queue depth.
type DepthFunc func(ctx context.Context) (int64, error)

// JudgeMetrics owns a private registry so multiple instances never
// collide on registration.
type JudgeMetrics struct {
	registry *prometheus.Registry

	jobsJudged    *prometheus.CounterVec
	judgeDuration prometheus.Histogram
	queueDepth    prometheus.Gauge
	cpuUsage      prometheus.Gauge
	memoryUsed    prometheus.Gauge
	memoryPercent prometheus.Gauge

	sampleInterval time.Duration
}

// New builds the collector set. activeJobs is read at scrape time; nil
// skips the gauge.
func New(activeJobs func() int) *JudgeMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &JudgeMetrics{
		registry:       registry,
		sampleInterval: defaultSampleInterval,
	}
	m.jobsJudged = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "judge_jobs_judged_total",
		Help: "Judged jobs by terminal verdict",
	}, []string{"verdict"})
	m.judgeDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "judge_job_duration_seconds",
		Help:    "Wall time spent judging one job",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Name: "judge_queue_depth",
		Help: "Jobs waiting in the queue",
	})
	m.cpuUsage = factory.NewGauge(prometheus.GaugeOpts{
		Name: "system_cpu_usage_percent",
		Help: "Total CPU usage percentage across all cores",
	})
	m.memoryUsed = factory.NewGauge(prometheus.GaugeOpts{
		Name: "system_memory_used_bytes",
		Help: "Total used memory in bytes",
	})
	m.memoryPercent = factory.NewGauge(prometheus.GaugeOpts{
		Name: "system_memory_used_percent",
		Help: "Share of host memory in use",
	})
	if activeJobs != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "judge_active_jobs",
			Help: "Jobs holding an admission slot right now",
		}, func() float64 {
			return float64(activeJobs())
		})
	}
	return m
}

// JobJudged records one judged outcome. Implements the judge service
// observer.
func (m *JudgeMetrics) JobJudged(verdict model.Verdict, duration time.Duration) {
	m.jobsJudged.WithLabelValues(string(verdict)).Inc()
	m.judgeDuration.Observe(duration.Seconds())
}

// Start launches the background sampler until ctx is cancelled. The
// first sample is taken immediately.
func (m *JudgeMetrics) Start(ctx context.Context, depth DepthFunc) {
	go m.sample(ctx, depth)
}

func (m *JudgeMetrics) sample(ctx context.Context, depth DepthFunc) {
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()
	for {
		m.collectOnce(ctx, depth)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *JudgeMetrics) collectOnce(ctx context.Context, depth DepthFunc) {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.cpuUsage.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.memoryUsed.Set(float64(vm.Used))
		m.memoryPercent.Set(vm.UsedPercent)
	}
	if depth != nil {
		if n, err := depth(ctx); err == nil {
			m.queueDepth.Set(float64(n))
		}
	}
}

// Handler serves the scrape endpoint for this collector set.
func (m *JudgeMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
