package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

const isWindows = runtime.GOOS == "windows"

var noColor = os.Getenv("TERM") == "dumb" ||
	(!isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()))

func color(val string) string {
	if isWindows || noColor {
		return ""
	}
	return val
}

const (
	reset       = "\033[0m"
	red         = "\033[31m"
	green       = "\033[32m"
	magenta     = "\033[35m"
	blueBold    = "\033[34;1m"
	magentaBold = "\033[35;1m"
	redBold     = "\033[31;1m"
	yellowBold  = "\033[33;1m"
	whiteBold   = "\033[37;1m"
	cyanBold    = "\033[36;1m"
	gray        = "\033[1;90m"
	purple      = "\u001b[38;5;200m"
)

type levelStyle struct {
	name    string
	level   string
	message string
}

var consoleStyles = map[LogLevel]levelStyle{
	LevelTrace: {"TRACE", cyanBold, gray},
	LevelDebug: {"DEBUG", blueBold, green},
	LevelInfo:  {"INFO", yellowBold, whiteBold},
	LevelWarn:  {"WARN", magentaBold, magenta},
	LevelError: {"ERROR", redBold, red},
}

// consoleLogger writes colored lines to stderr and plain lines to an
// optional sink.
type consoleLogger struct {
	prefix    []string
	fields    map[string]interface{}
	level     LogLevel
	sink      Sink
	sinkLevel LogLevel
	next      Logger
}

var _ SinkLogger = (*consoleLogger)(nil)

func (c *consoleLogger) derive() *consoleLogger {
	d := *c
	d.prefix = slices.Clone(c.prefix)
	d.fields = copyFields(c.fields, 0)
	return &d
}

func (c *consoleLogger) WithContext(ctx context.Context) Logger {
	if c.next == nil {
		return c
	}
	d := c.derive()
	d.next = c.next.WithContext(ctx)
	return d
}

func (c *consoleLogger) WithPrefix(prefix string) Logger {
	d := c.derive()
	if !slices.Contains(d.prefix, prefix) {
		d.prefix = append(d.prefix, prefix)
	}
	if d.next != nil {
		d.next = d.next.WithPrefix(prefix)
	}
	return d
}

func (c *consoleLogger) With(fields map[string]interface{}) Logger {
	d := c.derive()
	for k, v := range fields {
		d.fields[k] = v
	}
	if d.next != nil {
		d.next = d.next.With(fields)
	}
	return d
}

func (c *consoleLogger) SetSink(sink Sink, level LogLevel) {
	c.sink, c.sinkLevel = sink, level
	if s, ok := c.next.(SinkLogger); ok {
		s.SetSink(sink, level)
	}
}

func (c *consoleLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.level || (c.sink != nil && level >= c.sinkLevel)
}

// line renders an entry, colored unless plain is set.
func (c *consoleLogger) line(level LogLevel, text string, plain bool) string {
	paint := color
	if plain {
		paint = func(string) string { return "" }
	}
	style := consoleStyles[level]
	var b strings.Builder
	b.WriteString(paint(style.level) + fmt.Sprintf("[%-5s]", style.name) + paint(reset) + " ")
	if len(c.prefix) > 0 {
		b.WriteString(paint(purple) + strings.Join(c.prefix, " ") + paint(reset) + " ")
	}
	b.WriteString(paint(style.message) + text + paint(reset))
	if len(c.fields) > 0 {
		buf, _ := json.Marshal(c.fields)
		b.WriteString(" " + paint(gray) + string(buf) + paint(reset))
	}
	return b.String()
}

func (c *consoleLogger) write(level LogLevel, msg string, args []interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	text := format(msg, args)
	if level >= c.level {
		log.Println(c.line(level, text, false))
	}
	if c.sink != nil && level >= c.sinkLevel {
		plain := ansiColorStripper.ReplaceAllString(c.line(level, text, true), "")
		c.sink.Write([]byte(time.Now().Format(time.RFC3339Nano) + " " + plain + "\n"))
	}
}

func (c *consoleLogger) emit(level LogLevel, msg string, args []interface{}) {
	c.write(level, msg, args)
	relay(c.next, level, msg, args)
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) { c.emit(LevelTrace, msg, args) }
func (c *consoleLogger) Debug(msg string, args ...interface{}) { c.emit(LevelDebug, msg, args) }
func (c *consoleLogger) Info(msg string, args ...interface{})  { c.emit(LevelInfo, msg, args) }
func (c *consoleLogger) Warn(msg string, args ...interface{})  { c.emit(LevelWarn, msg, args) }
func (c *consoleLogger) Error(msg string, args ...interface{}) { c.emit(LevelError, msg, args) }

func (c *consoleLogger) Fatal(msg string, args ...interface{}) {
	c.emit(LevelError, msg, args)
	os.Exit(1)
}

func (c *consoleLogger) Stack(next Logger) Logger {
	d := c.derive()
	d.next = next
	return d
}

// NewConsoleLogger returns a Logger that writes colored lines to the console.
// Without an explicit level, NEWSFEED_LOG_LEVEL is used.
func NewConsoleLogger(levels ...LogLevel) SinkLogger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &consoleLogger{level: level, sinkLevel: LevelNone, fields: map[string]interface{}{}}
}
