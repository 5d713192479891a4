package emitter

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog/log"
)

// PushgatewayEmitter pushes run summaries to a Prometheus Pushgateway.
type PushgatewayEmitter struct {
	url string
	job string

	registry     *prometheus.Registry
	lastRun      *prometheus.GaugeVec
	lastSuccess  *prometheus.GaugeVec
	duration     *prometheus.GaugeVec
	selected     *prometheus.GaugeVec
	mutated      *prometheus.GaugeVec
	failedItems  *prometheus.GaugeVec
	skippedItems *prometheus.GaugeVec
}

// NewPushgatewayEmitter creates an emitter pushing to url under job.
func NewPushgatewayEmitter(url, job string) (*PushgatewayEmitter, error) {
	if url == "" {
		return nil, fmt.Errorf("pushgateway url is required")
	}
	if job == "" {
		return nil, fmt.Errorf("pushgateway job is required")
	}

	e := &PushgatewayEmitter{
		url:      url,
		job:      job,
		registry: prometheus.NewRegistry(),
	}
	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return e, nil
}

func (e *PushgatewayEmitter) initMetrics() error {
	// region is the grouping key and must not appear as a metric label
	labels := []string{"action"}

	e.lastRun = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amicull_last_run_timestamp_seconds",
		Help: "Unix time the last cleanup run completed",
	}, labels)
	e.lastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amicull_last_run_success",
		Help: "1 if the last cleanup run succeeded, 0 otherwise",
	}, labels)
	e.duration = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amicull_last_run_duration_seconds",
		Help: "Duration of the last cleanup run",
	}, labels)
	e.selected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amicull_last_run_selected",
		Help: "Resources selected by the last cleanup run",
	}, append(labels, "kind"))
	e.mutated = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amicull_last_run_mutated",
		Help: "Resources deregistered or deleted by the last cleanup run",
	}, append(labels, "kind"))
	e.failedItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amicull_last_run_failed",
		Help: "Mutations that failed in the last cleanup run",
	}, labels)
	e.skippedItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amicull_last_run_skipped",
		Help: "Snapshots skipped because their image failed to deregister",
	}, labels)

	for _, c := range []prometheus.Collector{
		e.lastRun, e.lastSuccess, e.duration, e.selected,
		e.mutated, e.failedItems, e.skippedItems,
	} {
		if err := e.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Emit sets the gauges from the summary and pushes them, replacing the
// previous push for the same job and region.
func (e *PushgatewayEmitter) Emit(ctx context.Context, s Summary) error {
	region := s.Region
	action := string(s.Action)

	e.lastRun.WithLabelValues(action).Set(float64(s.CompletedAt.Unix()))
	success := 1.0
	if s.Err != nil {
		success = 0
	}
	e.lastSuccess.WithLabelValues(action).Set(success)
	e.duration.WithLabelValues(action).Set(s.Duration.Seconds())
	e.selected.WithLabelValues(action, "image").Set(float64(s.Images))
	e.selected.WithLabelValues(action, "snapshot").Set(float64(s.Snapshots))
	e.mutated.WithLabelValues(action, "image").Set(float64(s.Deregistered))
	e.mutated.WithLabelValues(action, "snapshot").Set(float64(s.Deleted))
	e.failedItems.WithLabelValues(action).Set(float64(s.Failed))
	e.skippedItems.WithLabelValues(action).Set(float64(s.Skipped))

	err := push.New(e.url, e.job).
		Gatherer(e.registry).
		Grouping("region", region).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics to %s: %w", e.url, err)
	}

	log.Debug().
		Ctx(ctx).
		Str("url", e.url).
		Str("job", e.job).
		Str("region", region).
		Msg("pushed run summary")

	return nil
}

// Close is a no-op for the Pushgateway emitter.
func (e *PushgatewayEmitter) Close() error {
	return nil
}
