package logger

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"
)

// JSONLogEntry is one structured log line.
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity,omitempty"`
	Trace     string                 `json:"trace,omitempty"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (e JSONLogEntry) String() string {
	if e.Severity == "" {
		e.Severity = jsonSeverity[LevelInfo]
	}
	out, err := json.Marshal(e)
	if err != nil {
		log.Printf("json.Marshal: %v", err)
	}
	return string(out)
}

var jsonSeverity = map[LogLevel]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
}

// jsonLogger writes entries to stderr, to a sink, or both. The "trace" and
// "component" metadata keys become top level entry fields.
type jsonLogger struct {
	fields    map[string]interface{}
	trace     string
	component string
	console   LogLevel
	sink      Sink
	sinkLevel LogLevel
	now       func() time.Time
	next      Logger
}

var _ SinkLogger = (*jsonLogger)(nil)

func (j *jsonLogger) derive() *jsonLogger {
	d := *j
	d.fields = copyFields(j.fields, 0)
	return &d
}

func (j *jsonLogger) WithContext(ctx context.Context) Logger {
	if j.next == nil {
		return j
	}
	d := j.derive()
	d.next = j.next.WithContext(ctx)
	return d
}

func (j *jsonLogger) SetSink(sink Sink, level LogLevel) {
	j.sink, j.sinkLevel = sink, level
	if s, ok := j.next.(SinkLogger); ok {
		s.SetSink(sink, level)
	}
}

func (j *jsonLogger) WithPrefix(prefix string) Logger {
	d := j.derive()
	if !strings.Contains(d.component, prefix) {
		d.component = strings.TrimSpace(d.component + " " + prefix)
	}
	if d.next != nil {
		d.next = d.next.WithPrefix(prefix)
	}
	return d
}

func (j *jsonLogger) With(fields map[string]interface{}) Logger {
	d := j.derive()
	for k, v := range fields {
		switch s, isString := v.(string); {
		case k == "trace" && isString:
			d.trace = s
		case k == "component" && isString:
			d.component = s
		default:
			d.fields[k] = v
		}
	}
	if d.next != nil {
		d.next = d.next.With(fields)
	}
	return d
}

func (j *jsonLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= j.console || (j.sink != nil && level >= j.sinkLevel)
}

func (j *jsonLogger) write(level LogLevel, severity, msg string, args []interface{}) {
	if !j.IsLevelEnabled(level) {
		return
	}
	entry := JSONLogEntry{
		Timestamp: j.now(),
		Message:   format(msg, args),
		Severity:  severity,
		Trace:     j.trace,
		Component: j.component,
		Metadata:  j.fields,
	}
	if level >= j.console {
		log.Println(entry)
	}
	if j.sink != nil && level >= j.sinkLevel {
		entry.Message = ansiColorStripper.ReplaceAllString(entry.Message, "")
		buf, _ := json.Marshal(entry)
		if _, err := j.sink.Write(append(buf, '\n')); err != nil {
			log.Printf("sink.Write: %v", err)
		}
	}
}

func (j *jsonLogger) emit(level LogLevel, msg string, args []interface{}) {
	j.write(level, jsonSeverity[level], msg, args)
	relay(j.next, level, msg, args)
}

func (j *jsonLogger) Trace(msg string, args ...interface{}) { j.emit(LevelTrace, msg, args) }
func (j *jsonLogger) Debug(msg string, args ...interface{}) { j.emit(LevelDebug, msg, args) }
func (j *jsonLogger) Info(msg string, args ...interface{})  { j.emit(LevelInfo, msg, args) }
func (j *jsonLogger) Warn(msg string, args ...interface{})  { j.emit(LevelWarn, msg, args) }
func (j *jsonLogger) Error(msg string, args ...interface{}) { j.emit(LevelError, msg, args) }

func (j *jsonLogger) Fatal(msg string, args ...interface{}) {
	j.write(LevelError, "CRITICAL", msg, args)
	relay(j.next, LevelError, msg, args)
	os.Exit(1)
}

func (j *jsonLogger) Stack(next Logger) Logger {
	d := j.derive()
	d.next = next
	return d
}

// NewJSONLogger returns a Logger which writes one JSON object per line.
func NewJSONLogger(levels ...LogLevel) SinkLogger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &jsonLogger{console: level, sinkLevel: LevelNone, now: time.Now, fields: map[string]interface{}{}}
}

// NewJSONLoggerWithSink returns a Logger that only writes to sink.
func NewJSONLoggerWithSink(sink Sink, level LogLevel) SinkLogger {
	return &jsonLogger{console: LevelNone, sink: sink, sinkLevel: level, now: time.Now, fields: map[string]interface{}{}}
}
