package api

import "sync/atomic"

// Counters 转发请求计数，单调递增
type Counters struct {
	total   atomic.Uint64
	success atomic.Uint64
	failed  atomic.Uint64
}

// NewCounters 创建计数器
func NewCounters() *Counters {
	return &Counters{}
}

// Record counts one upstream response by its status code.
func (c *Counters) Record(statusCode int) {
	c.total.Add(1)
	if statusCode >= 200 && statusCode < 300 {
		c.success.Add(1)
	} else {
		c.failed.Add(1)
	}
}

// Snapshot returns total, success and failed counts.
func (c *Counters) Snapshot() (total, success, failed uint64) {
	return c.total.Load(), c.success.Load(), c.failed.Load()
}
