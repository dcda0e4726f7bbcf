package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// prettyHandler renders one key=value line per record for local development.
// Attributes bound with WithAttrs are formatted once and reused.
type prettyHandler struct {
	w         io.Writer
	level     slog.Leveler
	addSource bool
	color     bool
	prefix    string // open groups, dot-joined with a trailing dot
	bound     string // preformatted WithAttrs output
	mu        *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, level: slog.LevelInfo, color: color, mu: new(sync.Mutex)}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.addSource = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ts=%s lvl=%s msg=%s",
		paint(ts.Format("15:04:05.000"), ansiDim, h.color),
		levelTag(r.Level, h.color),
		paint(r.Message, ansiBright, h.color))

	if h.addSource && r.PC != 0 {
		if f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next(); f.File != "" {
			b.WriteString(" src=")
			b.WriteString(paint(filepath.Base(f.File)+":"+strconv.Itoa(f.Line), ansiDim, h.color))
		}
	}

	b.WriteString(h.bound)
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, h.prefix, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	for _, a := range attrs {
		h.writeAttr(&b, h.prefix, a)
	}
	cp := *h
	cp.bound += b.String()
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix += name + "."
	return &cp
}

// writeAttr flattens groups into dotted keys.
func (h *prettyHandler) writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	key := strings.TrimSpace(a.Key)

	if v.Kind() == slog.KindGroup {
		if key != "" {
			prefix += key + "."
		}
		for _, ga := range v.Group() {
			h.writeAttr(b, prefix, ga)
		}
		return
	}
	if key == "" {
		return
	}

	full := prefix + key
	if f, ok := prettyFields[full]; ok {
		full = f.name
		if s, ok := f.render(v, h.color); ok {
			fmt.Fprintf(b, " %s=%s", full, s)
			return
		}
	}
	fmt.Fprintf(b, " %s=%s", full, quoteIfNeeded(plainValue(v)))
}

// prettyField renames a known key and colors its value. render reports false
// when the value does not have the expected shape.
type prettyField struct {
	name   string
	render func(v slog.Value, color bool) (string, bool)
}

var prettyFields = map[string]prettyField{
	"method": {"method", func(v slog.Value, c bool) (string, bool) {
		m := strings.ToUpper(strings.TrimSpace(v.String()))
		return paint(m, methodColors[m], c), true
	}},
	"path": {"path", func(v slog.Value, c bool) (string, bool) {
		return paint(strings.TrimSpace(v.String()), ansiCyan, c), true
	}},
	"status": {"status", func(v slog.Value, c bool) (string, bool) {
		n, ok := intValue(v)
		return paint(strconv.FormatInt(n, 10), statusColor(int(n)), c), ok
	}},
	"status_class": {"class", func(v slog.Value, c bool) (string, bool) {
		return colorizeStatusClass(strings.TrimSpace(v.String()), c), true
	}},
	"duration_ms": {"duration", func(v slog.Value, c bool) (string, bool) {
		n, ok := intValue(v)
		return paint(strconv.FormatInt(n, 10)+"ms", durationColor(n), c), ok
	}},
	"result": {"result", func(v slog.Value, c bool) (string, bool) {
		r := strings.ToLower(strings.TrimSpace(v.String()))
		return paint(r, resultColors[r], c), true
	}},
	"confidence": {"confidence", func(v slog.Value, c bool) (string, bool) {
		s := strings.TrimSpace(v.String())
		return paint(s, confidenceColors[s], c), true
	}},
	"duplicated": {"duplicated", flagTrue},
	"stale":      {"stale", flagTrue},
	"state": {"state", func(v slog.Value, c bool) (string, bool) {
		s := strings.TrimSpace(v.String())
		return paint(s, stateColors[s], c), true
	}},
}

// flagTrue highlights boolean attributes that are set.
func flagTrue(v slog.Value, c bool) (string, bool) {
	if v.Kind() != slog.KindBool || !v.Bool() {
		return "", false
	}
	return paint("true", ansiYellow, c), true
}

var (
	methodColors = map[string]string{
		"GET": ansiGreen, "POST": ansiBlue, "PUT": ansiYellow, "PATCH": ansiYellow, "DELETE": ansiRed,
	}
	resultColors = map[string]string{
		"success": ansiGreen, "redirect": ansiCyan, "client_error": ansiYellow, "server_error": ansiRed,
	}
	confidenceColors = map[string]string{"high": ansiGreen, "low": ansiYellow}
	stateColors      = map[string]string{"error": ansiRed, "ready": ansiGreen}
)

func plainValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func intValue(v slog.Value) (int64, bool) {
	if v.Kind() == slog.KindInt64 {
		return v.Int64(), true
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
	return n, err == nil
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("[ERROR]", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("[WARN]", ansiYellow, color)
	case level < slog.LevelInfo:
		return paint("[DEBUG]", ansiMagenta, color)
	}
	return paint("[INFO]", ansiBlue, color)
}

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

func paint(s, code string, color bool) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func colorizeStatusClass(class string, color bool) string {
	code := 0
	if len(class) == 3 && strings.HasSuffix(class, "xx") {
		code = int(class[0]-'0') * 100
	}
	return paint(class, statusColor(code), color)
}

func statusColor(code int) string {
	switch {
	case code >= 500:
		return ansiRed
	case code >= 400:
		return ansiYellow
	case code >= 300:
		return ansiCyan
	case code >= 200:
		return ansiGreen
	}
	return ""
}

func durationColor(ms int64) string {
	switch {
	case ms >= 1000:
		return ansiRed
	case ms >= 250:
		return ansiYellow
	}
	return ansiDim
}
