package migration

import "github.com/prometheus/client_golang/prometheus"

var (
	trafficPercentageGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "migration_traffic_percentage",
		Help: "Current traffic split percentage toward the replacement service.",
	})
	phaseGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "migration_phase",
		Help: "Current migration phase (0 idle, 1 preparing, 2 migrating, 3 validating, 4 completed, 5 failed, 6 rolled_back).",
	})
	attemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "migration_attempts_total",
		Help: "Migration attempts started.",
	})
	rollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "migration_rollbacks_total",
		Help: "Rollbacks executed, graceful or emergency.",
	})
	emergencyRollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "migration_emergency_rollbacks_total",
		Help: "Emergency rollbacks executed.",
	})
	checkpointsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "migration_checkpoints_total",
		Help: "Health checkpoints recorded.",
	})
)

func init() {
	prometheus.MustRegister(
		trafficPercentageGauge,
		phaseGauge,
		attemptsTotal,
		rollbacksTotal,
		emergencyRollbacksTotal,
		checkpointsTotal,
	)
}
