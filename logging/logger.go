// Package logging is the kernel's structured log sink, built on
// log/slog. Every record is stamped with the machine's uptime (the
// wall clock is meaningless before the guest sets it), and once the
// boot identifier is known it rides on every record, so interleaved
// logs from repeated boots stay attributable.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// bootClock is the monotonic origin of the uptime attribute, fixed at
// process start.
var bootClock = time.Now()

var sink struct {
	mu sync.RWMutex
	// base is the logger as configured; logger is base with the boot
	// id applied. Keeping both lets a re-boot replace the id without
	// stacking attributes.
	base   *slog.Logger
	logger *slog.Logger
	bootID string
}

func init() {
	base := slog.New(kernelHandler{
		inner: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}),
	})
	sink.base = base
	sink.logger = base
}

// Config holds the log sink configuration.
type Config struct {
	// Level is the minimum record level.
	Level slog.Level
	// Format selects "text" or "json" framing.
	Format string
	// Output is the record destination; nil means stderr.
	Output io.Writer
	// AddSource attaches the emitting source location.
	AddSource bool
}

// kernelHandler decorates every record with the machine uptime before
// handing it to the framing handler underneath.
type kernelHandler struct {
	inner slog.Handler
}

// Enabled implements slog.Handler.
func (h kernelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h kernelHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.Duration("uptime", time.Since(bootClock)))
	return h.inner.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h kernelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return kernelHandler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h kernelHandler) WithGroup(name string) slog.Handler {
	return kernelHandler{inner: h.inner.WithGroup(name)}
}

// NewLogger builds a kernel logger over the configured framing. The
// uptime decoration is always applied; a boot id registered with
// SetBootID is attached when the logger becomes the default.
func NewLogger(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource}

	var framing slog.Handler
	if cfg.Format == "json" {
		framing = slog.NewJSONHandler(out, opts)
	} else {
		framing = slog.NewTextHandler(out, opts)
	}
	return slog.New(kernelHandler{inner: framing})
}

// SetDefault installs the sink every kernel component logs through,
// re-applying the registered boot id.
func SetDefault(logger *slog.Logger) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.base = logger
	sink.logger = composeLocked()
}

// SetBootID registers the boot identifier; it is stamped on every
// record from this point on. The boot layer calls this once the id is
// minted; a re-boot replaces the previous id.
func SetBootID(id string) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.bootID = id
	sink.logger = composeLocked()
}

func composeLocked() *slog.Logger {
	if sink.bootID == "" {
		return sink.base
	}
	return sink.base.With(slog.String("boot_id", sink.bootID))
}

// Default returns the current sink.
func Default() *slog.Logger {
	sink.mu.RLock()
	defer sink.mu.RUnlock()
	return sink.logger
}

// Uptime returns the time since the machine (process) came up, the
// same value the records carry.
func Uptime() time.Duration {
	return time.Since(bootClock)
}

// levelNames maps cmdline LOG= values onto slog levels. The kernel
// treats "trace" as debug; unknown names fall back to info rather than
// failing the boot.
var levelNames = map[string]slog.Level{
	"trace":   slog.LevelDebug,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel resolves a LOG= cmdline value to a level.
func ParseLevel(name string) slog.Level {
	if level, ok := levelNames[name]; ok {
		return level
	}
	return slog.LevelInfo
}

// Scoped loggers for the kernel subsystems.

// WithKoid returns a logger carrying a kernel object identity.
func WithKoid(logger *slog.Logger, koid uint64) *slog.Logger {
	return logger.With(slog.Uint64("koid", koid))
}

// WithProcess returns a logger carrying process identity.
func WithProcess(logger *slog.Logger, name string, koid uint64) *slog.Logger {
	return logger.With(slog.String("process", name), slog.Uint64("pid", koid))
}

// WithSyscall returns a logger carrying the syscall number in flight.
func WithSyscall(logger *slog.Logger, num uint64) *slog.Logger {
	return logger.With(slog.Uint64("syscall", num))
}

// WithVector returns a logger carrying an interrupt vector.
func WithVector(logger *slog.Logger, vector uint32) *slog.Logger {
	return logger.With(slog.Uint64("vector", uint64(vector)))
}

// WithDevice returns a logger carrying a device identity.
func WithDevice(logger *slog.Logger, compatible string) *slog.Logger {
	return logger.With(slog.String("device", compatible))
}

// Record helpers on the default sink.

// Debug logs at debug level.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { Default().Error(msg, args...) }
