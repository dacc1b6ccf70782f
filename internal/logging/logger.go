package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const timeLayout = "2006-01-02 15:04:05.000"

type prettyHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Leveler
	source bool
	color  bool
	attrs  []slog.Attr
	group  string
}

type Options struct {
	Level     slog.Leveler
	AddSource bool
	Color     bool
}

func NewPrettyHandler(out io.Writer, opts *Options) slog.Handler {
	if out == nil {
		out = os.Stdout
	}
	if opts == nil {
		opts = &Options{}
	}
	return &prettyHandler{
		mu:     &sync.Mutex{},
		out:    out,
		level:  opts.Level,
		source: opts.AddSource,
		color:  opts.Color,
	}
}

// Init installs the pretty handler on stdout as the default slog logger.
func Init(levelName string) *slog.Logger {
	logger := slog.New(NewPrettyHandler(os.Stdout, &Options{
		Level:     ParseLevel(levelName),
		AddSource: true,
		Color:     true,
	}))
	slog.SetDefault(logger)
	return logger
}

func (h *prettyHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	if h.level == nil {
		return true
	}
	return lvl >= h.level.Level()
}

func (h *prettyHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}

	var buf bytes.Buffer

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	buf.WriteString(ts.Format(timeLayout))
	buf.WriteByte(' ')

	// fixed-width level so messages line up
	if h.color {
		fmt.Fprintf(&buf, "%s%-5s%s ", colorForLevel(r.Level), levelName(r.Level), "\033[0m")
	} else {
		fmt.Fprintf(&buf, "%-5s ", levelName(r.Level))
	}

	if h.source && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := frames.Next()
		if f.File != "" {
			fmt.Fprintf(&buf, "%-25s ", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line))
		}
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, h.group, a)
		return true
	})

	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf.Bytes())
	return err
}

func writeAttr(buf *bytes.Buffer, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	fmt.Fprintf(buf, " %s=%v", qualify(group, a.Key), a.Value.Any())
}

func qualify(group, key string) string {
	if group == "" {
		return key
	}
	return group + "." + key
}

// WithAttrs binds attrs to the group open at this point; groups opened later
// do not apply to them.
func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	cp.attrs = append(cp.attrs, h.attrs...)
	for _, a := range attrs {
		if a.Equal(slog.Attr{}) {
			continue
		}
		a.Key = qualify(h.group, a.Key)
		cp.attrs = append(cp.attrs, a)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	if cp.group != "" {
		cp.group += "." + name
	} else {
		cp.group = name
	}
	return &cp
}

func levelName(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARN"
	default:
		return "ERROR"
	}
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(l string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func colorForLevel(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "\033[36m" // cyan
	case l < slog.LevelWarn:
		return "\033[32m" // green
	case l < slog.LevelError:
		return "\033[33m" // yellow
	default:
		return "\033[31m" // red
	}
}
