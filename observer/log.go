// Package observer provides querygate.Observer implementations.
package observer

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ineyio/querygate"
)

// Log logs admission transitions using zap.
// Intermediate steps go to Debug; terminal states and notes are logged at a
// level matching their severity.
type Log struct {
	Logger *zap.Logger
}

var _ querygate.Observer = (*Log)(nil)

// NewLog creates a Log with the given logger.
// If logger is nil, zap.L() is used.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.L()
	}
	return &Log{Logger: logger}
}

func (l *Log) OnTransition(e querygate.TransitionEvent) {
	fields := []zap.Field{
		zap.String("request_id", e.RequestID),
		zap.String("identity", string(e.Identity)),
		zap.String("fingerprint", string(e.Fingerprint)),
		zap.String("from", string(e.From)),
		zap.String("to", string(e.To)),
		zap.Bool("force", e.Force),
		zap.Int64("cost", e.Cost),
		zap.Duration("elapsed", e.Elapsed),
	}
	if e.Note != querygate.NoteNone {
		fields = append(fields, zap.String("note", string(e.Note)))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}

	msg := "admission_transition"
	if e.Note != querygate.NoteNone {
		msg = "admission_note"
	}
	if ce := l.Logger.Check(level(e), msg); ce != nil {
		ce.Write(fields...)
	}
}

func level(e querygate.TransitionEvent) zapcore.Level {
	switch e.Note {
	case querygate.NoteCommitFailed, querygate.NoteReleaseFailed:
		return zapcore.ErrorLevel
	case querygate.NoteCacheUnavailable, querygate.NoteEstimationDegraded, querygate.NoteBackendUnhealthy:
		return zapcore.WarnLevel
	case querygate.NoteQuotaSkipped:
		return zapcore.DebugLevel
	}

	switch e.To {
	case querygate.StateUnavailable:
		return zapcore.ErrorLevel
	case querygate.StateRejected, querygate.StateDispatchFailed:
		return zapcore.WarnLevel
	case querygate.StateServedFromCache, querygate.StateAdmitted, querygate.StateQuotaReleased:
		return zapcore.InfoLevel
	}
	return zapcore.DebugLevel
}
