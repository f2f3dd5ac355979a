package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// prettyHandler writes one human readable line per record:
//
//	2026-03-02T09:00:00Z INFO [locks] Job #7 – lock acquired holder="worker a"
type prettyHandler struct {
	out       *lockedWriter
	level     slog.Leveler
	addSource bool
	scope     []string
	preset    []field
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.w.Write(p)
	return err
}

type field struct {
	key   string
	value slog.Value
}

func newPrettyHandler(w io.Writer, lvl slog.Leveler, addSource bool) slog.Handler {
	return &prettyHandler{out: &lockedWriter{w: w}, level: lvl, addSource: addSource}
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, record slog.Record) error {
	if !h.Enabled(context.Background(), record.Level) {
		return nil
	}
	fields := append([]field(nil), h.preset...)
	record.Attrs(func(attr slog.Attr) bool {
		fields = collect(fields, h.scope, attr)
		return true
	})
	fields = lastWins(fields)

	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	var b strings.Builder
	b.WriteString(ts.UTC().Format(time.RFC3339))
	b.WriteString(" " + levelLabel(record.Level))

	var subject string
	rest := fields[:0]
	for _, f := range fields {
		switch f.key {
		case FieldComponent:
			fmt.Fprintf(&b, " [%s]", render(f.value, false))
			continue
		case FieldJobID:
			subject = "Job #" + render(f.value, false)
		}
		rest = append(rest, f)
	}
	if subject != "" {
		b.WriteString(" " + subject)
	}

	msg := strings.TrimSpace(record.Message)
	if msg == "" {
		msg = "(no message)"
	}
	b.WriteString(" – " + msg)
	if h.addSource {
		if src := record.Source(); src != nil {
			fmt.Fprintf(&b, " [%s:%d]", filepath.Base(src.File), src.Line)
		}
	}
	for _, f := range rest {
		b.WriteString(" " + f.key + "=" + render(f.value, true))
	}
	b.WriteByte('\n')
	return h.out.write([]byte(b.String()))
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.preset = append([]field(nil), h.preset...)
	for _, attr := range attrs {
		next.preset = collect(next.preset, h.scope, attr)
	}
	return &next
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.scope = append(append([]string(nil), h.scope...), name)
	return &next
}

// collect flattens groups into dotted keys.
func collect(dst []field, scope []string, attr slog.Attr) []field {
	attr.Value = attr.Value.Resolve()
	if attr.Key == "" && attr.Value.Kind() != slog.KindGroup {
		return dst
	}
	if attr.Value.Kind() == slog.KindGroup {
		inner := scope
		if attr.Key != "" {
			inner = append(append([]string(nil), scope...), attr.Key)
		}
		for _, child := range attr.Value.Group() {
			dst = collect(dst, inner, child)
		}
		return dst
	}
	key := attr.Key
	if len(scope) > 0 {
		key = strings.Join(scope, ".") + "." + key
	}
	return append(dst, field{key: key, value: attr.Value})
}

// lastWins keeps the first position of each key with its final value.
func lastWins(fields []field) []field {
	index := make(map[string]int, len(fields))
	out := fields[:0:0]
	for _, f := range fields {
		if i, ok := index[f.key]; ok {
			out[i].value = f.value
			continue
		}
		index[f.key] = len(out)
		out = append(out, f)
	}
	return out
}

func render(v slog.Value, quote bool) string {
	var s string
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool, slog.KindInt64, slog.KindUint64, slog.KindDuration:
		return v.String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			s = err.Error()
		} else {
			s = fmt.Sprint(v.Any())
		}
	default:
		s = v.String()
	}
	if quote && (s == "" || strings.ContainsFunc(s, func(r rune) bool { return r <= ' ' || r == '=' || r == '"' })) {
		return strconv.Quote(s)
	}
	return s
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	}
	return "DEBUG"
}
