package jit

import (
	"log/slog"

	"github.com/docker/go-units"
)

// Stats counts what a Runtime has done since Init.
type Stats struct {
	Compiled int
	// Fallbacks are units that did not fit in executable memory.
	Fallbacks      int
	InternalErrors int
	Failed         int
	Patches        int
	CodeBytes      int
}

// LogValue implements slog.LogValuer.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("compiled", s.Compiled),
		slog.Int("fallbacks", s.Fallbacks),
		slog.Int("internal_errors", s.InternalErrors),
		slog.Int("failed", s.Failed),
		slog.Int("patches", s.Patches),
		slog.String("code_size", units.BytesSize(float64(s.CodeBytes))),
	)
}

// Stats returns a snapshot of the runtime's counters.
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// LogStats writes the counters and the exec memory usage as one record.
func (r *Runtime) LogStats() {
	r.mu.Lock()
	stats := r.stats
	used := 0
	if r.cb != nil {
		used = r.cb.WritePos()
	}
	r.mu.Unlock()

	r.log.Info("jit: stats",
		"stats", stats,
		"exec_used", units.BytesSize(float64(used)),
		"exec_reserved", r.cfg.ExecMemory.String(),
	)
}

func (r *Runtime) unitLevel() slog.Level {
	if r.cfg.Stats {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}
