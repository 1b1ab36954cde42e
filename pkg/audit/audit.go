// Package audit implements the Audit Logger component (§4.J): structured
// lifecycle and security event emission to an external event sink, with a
// JSON/text format switch and a hard disable knob.
package audit

import (
	"time"

	"github.com/beam-cloud/larc/pkg/common"
	"github.com/rs/zerolog"
)

// Lifecycle event kinds, §4.J.
const (
	ExtractionStarted   = "ExtractionStarted"
	ExtractionCompleted = "ExtractionCompleted"
	ExtractionFailed    = "ExtractionFailed"
	PathShortened       = "PathShortened"
	DepthLimitReached   = "DepthLimitReached"
	ArchiveCompleted    = "ArchiveCompleted"
)

// Security event kinds, §4.J. One of these is attached to every
// common.SecurityEvent's Kind field.
const (
	ZipBombDetected           = "ZipBombDetected"
	PathTraversalAttempt      = "PathTraversalAttempt"
	ForbiddenExtension        = "ForbiddenExtension"
	ExcessiveCompressionRatio = "ExcessiveCompressionRatio"
	DepthLimitExceeded        = "DepthLimitExceeded"
	CircularReferenceDetected = "CircularReferenceDetected"
)

// Event is the wire shape handed to a Sink — one structured record per
// lifecycle or security emission, carrying every optional field §4.J names.
type Event struct {
	Family           string // "lifecycle" | "security"
	Kind             string
	Timestamp        time.Time
	WorkspaceID      string
	ArchivePath      string
	FilePath         string
	CompressionRatio float64
	NestingDepth     int
	RiskScore        float64
	Severity         string
	Detail           map[string]string
}

// Sink is the external collaborator events are published to — the IPC
// event channel named in §6's external interfaces.
type Sink interface {
	Publish(Event)
}

// Format selects the on-the-wire rendering of log lines, per the
// audit.log_format configuration key.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Logger is the concrete Audit Logger. A disabled Logger turns every
// emission into a no-op, per §4.J.
type Logger struct {
	enabled           bool
	logSecurityEvents bool
	logger            zerolog.Logger
	sink              Sink
}

// New builds a Logger. sink may be nil, in which case events are only
// written to the structured log, never published externally.
func New(logger zerolog.Logger, format Format, enabled, logSecurityEvents bool, sink Sink) *Logger {
	if format == FormatText {
		logger = logger.Output(zerolog.NewConsoleWriter())
	}
	return &Logger{enabled: enabled, logSecurityEvents: logSecurityEvents, logger: logger, sink: sink}
}

// EmitLifecycle records one of the lifecycle events of §4.J.
func (l *Logger) EmitLifecycle(kind, workspaceID, archivePath string, detail map[string]string) {
	if !l.enabled {
		return
	}

	ev := Event{
		Family: "lifecycle", Kind: kind, Timestamp: time.Now().UTC(),
		WorkspaceID: workspaceID, ArchivePath: archivePath, Detail: detail,
	}

	l.logger.Info().
		Str("family", ev.Family).
		Str("kind", kind).
		Str("workspaceId", workspaceID).
		Str("archivePath", archivePath).
		Fields(toLogFields(detail)).
		Msg("lifecycle event")

	l.publish(ev)
}

// EmitSecurity records a raised Security Detector event, §4.E/§4.J.
// Respects the audit.log_security_events toggle independently of the
// general enabled flag: a disabled Logger still emits nothing, but an
// enabled Logger with log_security_events=false suppresses only this class.
func (l *Logger) EmitSecurity(evt common.SecurityEvent) {
	if !l.enabled || !l.logSecurityEvents {
		return
	}

	ev := Event{
		Family: "security", Kind: evt.Kind, Timestamp: evt.Timestamp,
		WorkspaceID: evt.WorkspaceID, ArchivePath: evt.ArchivePath, FilePath: evt.FilePath,
		CompressionRatio: evt.CompressionRatio, NestingDepth: evt.NestingDepth,
		RiskScore: evt.RiskScore, Severity: evt.Severity, Detail: evt.Detail,
	}

	l.logger.Warn().
		Str("family", ev.Family).
		Str("kind", evt.Kind).
		Str("severity", evt.Severity).
		Str("workspaceId", evt.WorkspaceID).
		Str("archivePath", evt.ArchivePath).
		Float64("compressionRatio", evt.CompressionRatio).
		Int("nestingDepth", evt.NestingDepth).
		Fields(toLogFields(evt.Detail)).
		Msg("security event")

	l.publish(ev)
}

func (l *Logger) publish(ev Event) {
	if l.sink != nil {
		l.sink.Publish(ev)
	}
}

func toLogFields(detail map[string]string) map[string]interface{} {
	if len(detail) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(detail))
	for k, v := range detail {
		fields[k] = v
	}
	return fields
}
