package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// BufferedEntry is one log record as served by /api/logs.
type BufferedEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"ts"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// LogBuffer is a fixed-size ring of recent entries. The gateway keeps one
// per process so the API can return recent logs without touching the log
// file.
type LogBuffer struct {
	mu   sync.RWMutex
	ring []BufferedEntry
	head int // next write slot
	size int // entries held, caps at len(ring)
}

// NewLogBuffer creates a ring holding at most maxSize entries.
func NewLogBuffer(maxSize int) *LogBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LogBuffer{ring: make([]BufferedEntry, maxSize)}
}

// Add appends an entry, overwriting the oldest once the ring is full.
func (b *LogBuffer) Add(entry BufferedEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring[b.head] = entry
	b.head = (b.head + 1) % len(b.ring)
	if b.size < len(b.ring) {
		b.size++
	}
}

// GetRecent returns the newest n entries in chronological order. n <= 0 or
// n larger than the ring returns everything held.
func (b *LogBuffer) GetRecent(n int) []BufferedEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > b.size {
		n = b.size
	}
	if n == 0 {
		return nil
	}

	out := make([]BufferedEntry, n)
	first := b.head - n
	if first < 0 {
		first += len(b.ring)
	}
	for i := 0; i < n; i++ {
		out[i] = b.ring[(first+i)%len(b.ring)]
	}
	return out
}

// Clear drops all held entries. Slots are reused, not zeroed.
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
}

// Count returns the number of entries currently held.
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// BufferHandler tees records into a LogBuffer on their way to an inner
// handler. The component and trace_id attrs are lifted into dedicated
// entry fields so the API can filter on them.
type BufferHandler struct {
	buffer    *LogBuffer
	inner     slog.Handler
	component string
	attrs     []slog.Attr
	group     string
}

// NewBufferHandler wraps inner with buffer capture. A nil inner means the
// buffer is the only sink.
func NewBufferHandler(buffer *LogBuffer, inner slog.Handler) *BufferHandler {
	return &BufferHandler{buffer: buffer, inner: inner}
}

func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.inner != nil {
		return h.inner.Enabled(ctx, level)
	}
	return true
}

func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := BufferedEntry{
		Level:     r.Level.String(),
		Timestamp: r.Time.Format(time.RFC3339Nano),
		Message:   r.Message,
		Component: h.component,
		Attrs:     make(map[string]any),
	}

	for _, attr := range h.attrs {
		h.absorb(&entry, attr, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		h.absorb(&entry, a, h.group)
		return true
	})
	if len(entry.Attrs) == 0 {
		entry.Attrs = nil
	}

	h.buffer.Add(entry)

	if h.inner != nil {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

// absorb folds one attr into the entry, lifting the well-known keys.
func (h *BufferHandler) absorb(entry *BufferedEntry, a slog.Attr, group string) {
	switch a.Key {
	case "component":
		entry.Component = a.Value.String()
	case "trace_id":
		entry.TraceID = a.Value.String()
	default:
		key := a.Key
		if group != "" {
			key = group + "." + key
		}
		entry.Attrs[key] = attrValue(a.Value)
	}
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &BufferHandler{
		buffer:    h.buffer,
		component: h.component,
		group:     h.group,
		attrs:     make([]slog.Attr, 0, len(h.attrs)+len(attrs)),
	}
	next.attrs = append(next.attrs, h.attrs...)
	next.attrs = append(next.attrs, attrs...)

	for _, attr := range attrs {
		if attr.Key == "component" {
			next.component = attr.Value.String()
		}
	}

	if h.inner != nil {
		next.inner = h.inner.WithAttrs(attrs)
	}
	return next
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}

	next := &BufferHandler{
		buffer:    h.buffer,
		inner:     h.inner,
		component: h.component,
		attrs:     h.attrs,
		group:     group,
	}
	if h.inner != nil {
		next.inner = h.inner.WithGroup(name)
	}
	return next
}

// attrValue flattens a slog.Value into something JSON-encodable.
func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindGroup:
		members := v.Group()
		m := make(map[string]any, len(members))
		for _, a := range members {
			m[a.Key] = attrValue(a.Value)
		}
		return m
	case slog.KindAny:
		raw := v.Any()
		// Round-trip through JSON so arbitrary structs render as plain maps.
		if b, err := json.Marshal(raw); err == nil {
			var plain any
			if json.Unmarshal(b, &plain) == nil {
				return plain
			}
		}
		return raw
	default:
		return v.Any()
	}
}
