package admin

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics
var (
	probeDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "banksync_health_probe_duration_seconds",
		Help:    "Latency of backend health probes",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})
	probeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "banksync_health_probe_failures_total",
		Help: "Health probes that could not reach the service",
	}, []string{"service"})
)

const reportedHealthy = "healthy"

// HealthStatus is the aggregated verdict for one backend service.
type HealthStatus string

const (
	StatusUnknown   HealthStatus = "unknown"
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthDetail carries the dependency fields a service reports about itself.
type HealthDetail struct {
	Database string
	Redis    string
}

// ServiceHealth is one probed service's verdict. Unknown marks a probe that
// has not completed yet, which is distinct from Unhealthy.
type ServiceHealth struct {
	ServiceName string
	Status      HealthStatus
	Detail      HealthDetail
	Err         error
}

func (aggregator *Aggregator) probeOne(ctx context.Context, serviceName string) ServiceHealth {
	started := time.Now()
	report, err := aggregator.gateway.FetchServiceHealth(ctx, serviceName)
	probeDurationSeconds.WithLabelValues(serviceName).Observe(time.Since(started).Seconds())
	if err != nil {
		probeFailuresTotal.WithLabelValues(serviceName).Inc()
		return ServiceHealth{ServiceName: serviceName, Status: StatusUnhealthy, Err: err}
	}
	status := StatusHealthy
	if report.Status != reportedHealthy {
		status = StatusUnhealthy
	}
	return ServiceHealth{
		ServiceName: serviceName,
		Status:      status,
		Detail:      HealthDetail{Database: report.Database, Redis: report.Redis},
	}
}

// ProbeAll probes every configured service concurrently. Each probe's failure
// is converted into an Unhealthy entry for that service alone, so one
// unreachable service never suppresses the report of the others.
func (aggregator *Aggregator) ProbeAll(ctx context.Context) []ServiceHealth {
	results := make([]ServiceHealth, len(aggregator.services))
	var waitGroup sync.WaitGroup
	for index, serviceName := range aggregator.services {
		waitGroup.Add(1)
		go func(index int, serviceName string) {
			defer waitGroup.Done()
			results[index] = aggregator.probeOne(ctx, serviceName)
		}(index, serviceName)
	}
	waitGroup.Wait()

	aggregator.mu.Lock()
	aggregator.health = results
	aggregator.mu.Unlock()
	return results
}

// Health returns the latest probe results, Unknown for services not yet
// probed.
func (aggregator *Aggregator) Health() []ServiceHealth {
	aggregator.mu.Lock()
	defer aggregator.mu.Unlock()
	return aggregator.health
}
