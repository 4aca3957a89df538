package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HostsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dockmon_hosts",
		Help: "Number of Docker hosts by connection status.",
	}, []string{"status"})
	ContainersByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dockmon_containers",
		Help: "Number of containers observed, by state.",
	}, []string{"state"})
	AlertsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockmon_alerts_open",
		Help: "Number of currently open alert instances.",
	})
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_notifications_total",
		Help: "Notification dispatch attempts by channel type and outcome.",
	}, []string{"type", "outcome"})
	HealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_health_checks_total",
		Help: "HTTP health check probes by outcome.",
	}, []string{"outcome"})
	HealthRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dockmon_health_restarts_total",
		Help: "Auto-restarts triggered by failed health checks.",
	})
	DeploymentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dockmon_deployments",
		Help: "Deployments by lifecycle status.",
	}, []string{"status"})
	DeploymentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dockmon_deployment_duration_seconds",
		Help:    "Wall time of deployment executions.",
		Buckets: prometheus.DefBuckets,
	})
	UpdatesAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockmon_updates_available",
		Help: "Containers with a newer image digest in their registry.",
	})
	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_updates_total",
		Help: "Container update executions by outcome.",
	}, []string{"outcome"})
	UpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dockmon_update_duration_seconds",
		Help:    "Duration of container update operations.",
		Buckets: prometheus.DefBuckets,
	})
	HubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockmon_hub_clients",
		Help: "Connected WebSocket clients.",
	})
	HubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dockmon_hub_dropped_clients_total",
		Help: "WebSocket clients disconnected for overflowing their send queue.",
	})
)
