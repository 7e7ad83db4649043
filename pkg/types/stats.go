package types

import "time"

// QueueStats is a read-only snapshot of queue counters. All mutation happens
// inside the queue's own operations; observers only ever see copies.
type QueueStats struct {
	// TotalEnqueued counts every accepted submission since creation or Clear
	TotalEnqueued int64 `json:"total_enqueued"`

	// Pending is the number of tasks currently waiting
	Pending int64 `json:"pending"`

	// Running is the number of tasks currently dispatched to workers
	Running int64 `json:"running"`

	// Completed counts tasks that finished successfully
	Completed int64 `json:"completed"`

	// Failed counts tasks that terminated with a classified error,
	// including tasks that timed out while still pending
	Failed int64 `json:"failed"`

	// AverageWait is a moving average of time spent queued before dispatch
	AverageWait time.Duration `json:"average_wait"`

	// AverageExec is a moving average of kernel execution time
	AverageExec time.Duration `json:"average_exec"`

	// Throughput is completed+failed tasks per second since creation or Clear
	Throughput float64 `json:"throughput"`

	// Length is the current queue length
	Length int `json:"length"`

	// ByPriority is the pending count per priority level
	ByPriority map[Priority]int `json:"by_priority"`
}

// QueueInfo describes the current queue contents.
type QueueInfo struct {
	// TotalSize is the number of pending tasks
	TotalSize int `json:"total_size"`

	// SizeByPriority is the pending count per priority level
	SizeByPriority map[Priority]int `json:"size_by_priority"`

	// AverageAge is the mean dwell time of pending tasks
	AverageAge time.Duration `json:"average_age"`

	// OldestAge is the dwell time of the oldest pending task
	OldestAge time.Duration `json:"oldest_age"`
}
