package events

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// LogRecorder writes events to the log instead of a database. Debug
// deployments use it when no database is configured.
type LogRecorder struct {
	logger *slog.Logger
	seq    atomic.Int64
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) RecordPage(_ context.Context, ev *PageEvent) (int64, error) {
	id := r.seq.Add(1)
	r.logger.Info("page event", "id", id, "vid", ev.VID, "sid", ev.SID, "host", ev.Host)
	return id, nil
}

func (r *LogRecorder) RecordTrack(_ context.Context, ev *TrackEvent) (int64, error) {
	id := r.seq.Add(1)
	r.logger.Info("track event", "id", id, "event", ev.Event, "sid", ev.SID)
	return id, nil
}

func (r *LogRecorder) RecordCall(_ context.Context, ev *CallEvent) (int64, error) {
	id := r.seq.Add(1)
	r.logger.Info("call event", "id", id, "call_id", ev.CallID, "call_from", ev.CallFrom, "call_to", ev.CallTo)
	return id, nil
}
