package logger

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

var log zerolog.Logger

// Options configures the process-wide logger.
type Options struct {
	Level   string    // debug, info, warn, error
	Format  string    // json or console; empty picks console at debug level
	Service string    // added to every line when set
	Out     io.Writer // defaults to stdout
}

// Init sets the level and keeps the default format.
func Init(level string) {
	Setup(Options{Level: level})
}

// Setup replaces the global logger.
func Setup(opts Options) {
	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	format := opts.Format
	if format == "" && lvl == zerolog.DebugLevel {
		format = "console"
	}
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	ctx := zerolog.New(out).Level(lvl).With().Timestamp()
	if opts.Service != "" {
		ctx = ctx.Str("service", opts.Service)
	}
	if lvl <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	log = ctx.Logger()
}

func init() {
	Init("info")
}

func Debug() *zerolog.Event { return log.Debug() }
func Info() *zerolog.Event  { return log.Info() }
func Warn() *zerolog.Event  { return log.Warn() }
func Error() *zerolog.Event { return log.Error() }
func Fatal() *zerolog.Event { return log.Fatal() }

func Debugf(format string, v ...interface{}) {
	log.Debug().Msgf(format, v...)
}

func Infof(format string, v ...interface{}) {
	log.Info().Msgf(format, v...)
}

func Errorf(format string, v ...interface{}) {
	log.Error().Msgf(format, v...)
}

func Warnf(format string, v ...interface{}) {
	log.Warn().Msgf(format, v...)
}

// Fatalf logs and exits the process.
func Fatalf(format string, v ...interface{}) {
	log.Fatal().Msgf(format, v...)
}

func Get() zerolog.Logger {
	return log
}

// With returns a child logger tagged with the given component name.
func With(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

func Level() zerolog.Level {
	return log.GetLevel()
}

// quietPaths are polled by health checks and scrapers; they log at debug only.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// GinLogger logs one line per HTTP request. Long-lived streams (agent
// sockets, SSE) log when they end, with their full duration.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = log.Error()
		case status >= http.StatusBadRequest:
			event = log.Warn()
		case quietPaths[c.Request.URL.Path]:
			event = log.Debug()
		default:
			event = log.Info()
		}

		event.
			Int("status", status).
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Str("path", c.Request.URL.Path).
			Str("ip", c.ClientIP()).
			Dur("latency", time.Since(start)).
			Int("size", c.Writer.Size()).
			Msg("request")
	}
}

// GinRecovery turns a handler panic into a 500 reply and an error line.
func GinRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error().
			Interface("panic", recovered).
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Str("ip", c.ClientIP()).
			Msg("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "internal error"})
	})
}
