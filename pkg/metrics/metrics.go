// Copyright 2024-2026 Aiku AI

// Package metrics defines the Prometheus collectors exported by chatmirror.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmirror_tasks_total",
			Help: "Total number of delivery tasks processed (count)",
		},
		[]string{"kind", "outcome"},
	)

	TaskRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmirror_task_retries_total",
			Help: "Total number of retried platform calls (count)",
		},
		[]string{"kind"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatmirror_queue_depth",
			Help: "Number of tasks waiting in a destination queue (count)",
		},
		[]string{"dest"},
	)

	ActiveQueues = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatmirror_active_queues",
			Help: "Number of destination queues with a running worker (count)",
		},
	)

	StoreWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmirror_store_writes_total",
			Help: "Total number of correlation store writes to disk (count)",
		},
		[]string{"status"},
	)

	StoreRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatmirror_store_keys",
			Help: "Number of source keys in the correlation store (count)",
		},
	)

	BackupRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmirror_backup_runs_total",
			Help: "Total number of scheduled job runs (count)",
		},
		[]string{"job", "status"},
	)
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(TasksTotal)
		prometheus.MustRegister(TaskRetriesTotal)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(ActiveQueues)
		prometheus.MustRegister(StoreWritesTotal)
		prometheus.MustRegister(StoreRecords)
		prometheus.MustRegister(BackupRunsTotal)
	})
}

func IncTask(kind, outcome string) {
	TasksTotal.WithLabelValues(kind, outcome).Inc()
}

func IncTaskRetry(kind string) {
	TaskRetriesTotal.WithLabelValues(kind).Inc()
}

func SetQueueDepth(dest string, depth int) {
	QueueDepth.WithLabelValues(dest).Set(float64(depth))
}

func IncStoreWrite(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreWritesTotal.WithLabelValues(status).Inc()
}

func SetStoreKeys(n int) {
	StoreRecords.Set(float64(n))
}

func IncBackupRun(job string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	BackupRunsTotal.WithLabelValues(job, status).Inc()
}
