package segstore

import "github.com/sirupsen/logrus"

// GCMonitor receives observability callbacks from the garbage collector,
// per spec.md §6. It is the seam collaborators above the store use to
// wire compaction and cleanup events into their own logging or metrics.
type GCMonitor interface {
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(err error, format string, args ...interface{})
	Skipped(reason string)
	Compacted(fromGeneration, toGeneration int)
	Cleaned(reclaimedBytes int64)
}

// LogMonitor is the default GCMonitor: it routes every callback through a
// logrus.FieldLogger, matching the way the rest of the store threads a
// logger down from the top rather than owning its own.
type LogMonitor struct {
	Logger logrus.FieldLogger
}

func NewLogMonitor(logger logrus.FieldLogger) *LogMonitor {
	return &LogMonitor{Logger: logger}
}

func (m *LogMonitor) fields() *logrus.Entry {
	return m.Logger.WithField("action", "segment_gc")
}

func (m *LogMonitor) Info(format string, args ...interface{}) {
	m.fields().Infof(format, args...)
}

func (m *LogMonitor) Warn(format string, args ...interface{}) {
	m.fields().Warnf(format, args...)
}

func (m *LogMonitor) Error(err error, format string, args ...interface{}) {
	m.fields().WithError(err).Errorf(format, args...)
}

func (m *LogMonitor) Skipped(reason string) {
	m.fields().WithField("reason", reason).Info("garbage collection skipped")
}

func (m *LogMonitor) Compacted(fromGeneration, toGeneration int) {
	m.fields().WithFields(logrus.Fields{
		"from_generation": fromGeneration,
		"to_generation":   toGeneration,
	}).Info("compaction succeeded")
}

func (m *LogMonitor) Cleaned(reclaimedBytes int64) {
	m.fields().WithField("reclaimed_bytes", reclaimedBytes).Info("cleanup finished")
}

// NoopMonitor discards every callback; useful for tests that don't care
// about GC observability.
type NoopMonitor struct{}

func (NoopMonitor) Info(string, ...interface{})          {}
func (NoopMonitor) Warn(string, ...interface{})          {}
func (NoopMonitor) Error(error, string, ...interface{})  {}
func (NoopMonitor) Skipped(string)                       {}
func (NoopMonitor) Compacted(int, int)                   {}
func (NoopMonitor) Cleaned(int64)                        {}
