package observability

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ProcessSample is one reading of the server process taken by the telemetry worker.
type ProcessSample struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSMb      uint64  `json:"rss_mb"`
	Goroutines int     `json:"goroutines"`
}

// MonitoringStats aggregates every metric exposed on the debug endpoint.
type MonitoringStats struct {
	MessagesSent      uint64            `json:"messages_sent"`
	SendsRejected     map[string]uint64 `json:"sends_rejected"`
	BroadcastWarnings uint64            `json:"broadcast_warnings"`
	EventsDelivered   uint64            `json:"events_delivered"`
	SinkFailures      uint64            `json:"sink_failures"`
	ActiveSessions    int64             `json:"active_sessions"`
	SendRate          float64           `json:"send_rate"` // messages per second since the last tick

	AllocMemMb uint64        `json:"alloc_mem_mb"`
	NumGC      uint32        `json:"num_gc"`
	Process    ProcessSample `json:"process"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// MonitoringManager collects messaging counters. Every Incr* is safe for
// concurrent use, GetLatest returns the snapshot computed on the last tick.
type MonitoringManager struct {
	log         *slog.Logger
	mu          sync.RWMutex
	latestStats MonitoringStats
	rejected    map[string]uint64

	messagesSent      uint64
	broadcastWarnings uint64
	eventsDelivered   uint64
	sinkFailures      uint64
	activeSessions    int64
	sentSinceCheck    uint64
	lastCheck         time.Time
}

func NewMonitoringManager(log *slog.Logger) *MonitoringManager {
	return &MonitoringManager{
		log:       log,
		rejected:  make(map[string]uint64),
		lastCheck: time.Now(),
	}
}

func (mm *MonitoringManager) IncrMessagesSent() {
	atomic.AddUint64(&mm.messagesSent, 1)
	atomic.AddUint64(&mm.sentSinceCheck, 1)
}

// IncrSendRejected counts a send that stopped in the given state with the given wire code.
func (mm *MonitoringManager) IncrSendRejected(state, code string) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.rejected[state+":"+code]++
}

func (mm *MonitoringManager) IncrBroadcastWarnings() {
	atomic.AddUint64(&mm.broadcastWarnings, 1)
}

func (mm *MonitoringManager) IncrEventsDelivered() {
	atomic.AddUint64(&mm.eventsDelivered, 1)
}

func (mm *MonitoringManager) IncrSinkFailures() {
	atomic.AddUint64(&mm.sinkFailures, 1)
}

func (mm *MonitoringManager) SessionOpened() {
	atomic.AddInt64(&mm.activeSessions, 1)
}

func (mm *MonitoringManager) SessionClosed() {
	atomic.AddInt64(&mm.activeSessions, -1)
}

// Listen refreshes the snapshot every interval and merges process samples
// sent by the telemetry worker.
func (mm *MonitoringManager) Listen(ctx context.Context, interval time.Duration, samples <-chan ProcessSample) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mm.log.Info("Monitoring manager stopped")
			return
		case <-ticker.C:
			mm.updateStats()
		case sample, ok := <-samples:
			if !ok {
				mm.log.Debug("Process sample channel closed")
				samples = nil
				continue
			}
			mm.mu.Lock()
			mm.latestStats.Process = sample
			mm.mu.Unlock()
		}
	}
}

func (mm *MonitoringManager) updateStats() {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	now := time.Now()
	if duration := now.Sub(mm.lastCheck).Seconds(); duration > 0 {
		sent := atomic.SwapUint64(&mm.sentSinceCheck, 0)
		mm.latestStats.SendRate = float64(sent) / duration
	}
	mm.lastCheck = now

	mm.latestStats.MessagesSent = atomic.LoadUint64(&mm.messagesSent)
	mm.latestStats.BroadcastWarnings = atomic.LoadUint64(&mm.broadcastWarnings)
	mm.latestStats.EventsDelivered = atomic.LoadUint64(&mm.eventsDelivered)
	mm.latestStats.SinkFailures = atomic.LoadUint64(&mm.sinkFailures)
	mm.latestStats.ActiveSessions = atomic.LoadInt64(&mm.activeSessions)
	rejected := make(map[string]uint64, len(mm.rejected))
	for k, v := range mm.rejected {
		rejected[k] = v
	}
	mm.latestStats.SendsRejected = rejected

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	mm.latestStats.AllocMemMb = m.Alloc / 1024 / 1024
	mm.latestStats.NumGC = m.NumGC
	mm.latestStats.UpdatedAt = now.UTC()

	mm.log.Debug("Stats updated",
		"messages_sent", mm.latestStats.MessagesSent,
		"send_rate", mm.latestStats.SendRate,
		"active_sessions", mm.latestStats.ActiveSessions,
		"mem_mb", mm.latestStats.AllocMemMb,
	)
}

func (mm *MonitoringManager) GetLatest() MonitoringStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.latestStats
}
