package workers

import (
	"campus-chat/domain/event"
	"campus-chat/observability"
	"context"
	"log/slog"
	"os"
	"reflect"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"
)

type NamedChannel struct {
	Name    string
	Channel any
}

// queueWarningRatio is the fill level above which a queue is reported.
const queueWarningRatio = 0.8

// TelemetryWorker consumes the events already delivered by the fanout and,
// every metricInterval, samples the server process and the queue fill levels.
// Reading len and cap of a channel never blocks.
type TelemetryWorker struct {
	log             *slog.Logger
	metricInterval  time.Duration
	telemetryEvents chan event.DomainEvent
	samples         chan<- observability.ProcessSample
	channels        []NamedChannel
}

func NewTelemetryWorker(log *slog.Logger,
	metricInterval time.Duration,
	telemetryEvents chan event.DomainEvent,
	samples chan<- observability.ProcessSample,
	channels []NamedChannel) *TelemetryWorker {
	return &TelemetryWorker{
		log:             log,
		metricInterval:  metricInterval,
		telemetryEvents: telemetryEvents,
		samples:         samples,
		channels:        channels,
	}
}

func (w *TelemetryWorker) Run(ctx context.Context) error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}
	ticker := time.NewTicker(w.metricInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping telemetry")
			return nil
		case evt := <-w.telemetryEvents:
			w.handle(evt)
		case <-ticker.C:
			w.checkQueues()
			sample := w.sample(proc)
			select {
			case w.samples <- sample:
			default:
				w.log.Debug("Process sample lost")
			}
		}
	}
}

func (w *TelemetryWorker) handle(evt event.DomainEvent) {
	switch e := evt.(type) {
	case event.MessagePosted:
		w.log.Debug("Message delivered", "conversation", e.ConversationID(), "message", e.Message.ID)
	case event.PresenceSynced:
		w.log.Debug("Presence synced", "conversation", e.ConversationID(), "count", e.Count())
	case event.ConversationDeleted:
		w.log.Debug("Conversation deletion delivered", "conversation", e.ConversationID())
	}
}

func (w *TelemetryWorker) sample(proc *process.Process) observability.ProcessSample {
	sample := observability.ProcessSample{Goroutines: runtime.NumGoroutine()}
	if cpu, err := proc.CPUPercent(); err == nil {
		sample.CPUPercent = cpu
	} else {
		w.log.Debug("Error while finding process cpu usage", "err", err)
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		sample.RSSMb = mem.RSS / 1024 / 1024
	} else {
		w.log.Debug("Error while finding process memory usage", "err", err)
	}
	return sample
}

func (w *TelemetryWorker) checkQueues() {
	for _, nc := range w.channels {
		v := reflect.ValueOf(nc.Channel)
		if v.Kind() != reflect.Chan {
			w.log.Error("Provided object is not a channel", "name", nc.Name)
			continue
		}
		capacity, length := v.Cap(), v.Len()
		if capacity > 0 && float64(length) >= queueWarningRatio*float64(capacity) {
			w.log.Warn("Queue almost full", "name", nc.Name, "length", length, "capacity", capacity)
		}
	}
}
