package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tutorbot/tutorbot/internal/httpkit"
)

// promotedKeys are record attributes copied into stream labels so
// dashboards can filter by the student's selection.
var promotedKeys = []string{"class_selection", "lesson", "action_plan"}

// LokiConfig configures a [Loki] handler.
type LokiConfig struct {
	URL      string
	User     string
	Password string
	OrgID    string
	// Labels are attached to every stream, alongside level and the
	// promoted selection attributes.
	Labels        map[string]string
	Level         slog.Leveler
	BatchSize     int
	FlushInterval time.Duration
	Client        *http.Client
}

type lokiEntry struct {
	labels map[string]string
	ts     time.Time
	line   string
}

// lokiSink is shared by a Loki handler and all handlers derived from it.
type lokiSink struct {
	cfg      LokiConfig
	endpoint string
	client   *http.Client

	mu      sync.Mutex
	pending []lokiEntry

	kick    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	dropped atomic.Int64
}

// Loki is an slog.Handler that batches records as JSON lines and pushes
// them to a Loki server. Push failures are counted and discarded.
type Loki struct {
	sink   *lokiSink
	attrs  []slog.Attr
	groups []string
}

// NewLoki starts the background flusher. Call Close to flush the final
// batch.
func NewLoki(cfg LokiConfig) *Loki {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.Level == nil {
		cfg.Level = slog.LevelInfo
	}
	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(10 * time.Second))
	}
	s := &lokiSink{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.URL, "/") + "/loki/api/v1/push",
		client:   client,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go s.run()
	return &Loki{sink: s}
}

func (h *Loki) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.sink.cfg.Level.Level()
}

func (h *Loki) Handle(_ context.Context, r slog.Record) error {
	fields := map[string]any{
		"time":  r.Time.Format(time.RFC3339Nano),
		"level": levelName(r.Level),
		"msg":   r.Message,
	}
	labels := maps.Clone(h.sink.cfg.Labels)
	if labels == nil {
		labels = map[string]string{}
	}
	labels["level"] = strings.ToLower(levelName(r.Level))

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	var add func(prefix string, a slog.Attr)
	add = func(prefix string, a slog.Attr) {
		v := a.Value.Resolve()
		if v.Kind() == slog.KindGroup {
			sub := prefix
			if a.Key != "" {
				sub += a.Key + "."
			}
			for _, ga := range v.Group() {
				add(sub, ga)
			}
			return
		}
		if a.Key == "" {
			return
		}
		fields[prefix+a.Key] = fieldValue(v)
		if slices.Contains(promotedKeys, a.Key) && v.String() != "" {
			labels[a.Key] = v.String()
		}
	}
	for _, a := range h.attrs {
		add(prefix, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(prefix, a)
		return true
	})

	line, err := json.Marshal(fields)
	if err != nil {
		line = []byte(fmt.Sprintf(`{"msg":%q,"error":"marshal failed"}`, r.Message))
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	h.sink.enqueue(lokiEntry{labels: labels, ts: ts, line: string(line)})
	return nil
}

// fieldValue converts a resolved attribute value for encoding/json.
// Errors are written as their message; their structs usually have no
// exported fields.
func fieldValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
	}
	return v.Any()
}

func (h *Loki) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Loki{
		sink:   h.sink,
		attrs:  append(slices.Clone(h.attrs), attrs...),
		groups: slices.Clone(h.groups),
	}
}

func (h *Loki) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Loki{
		sink:   h.sink,
		attrs:  slices.Clone(h.attrs),
		groups: append(slices.Clone(h.groups), name),
	}
}

// Dropped returns the number of records lost to failed pushes.
func (h *Loki) Dropped() int64 {
	return h.sink.dropped.Load()
}

// Close stops the flusher and pushes whatever is pending. ctx bounds
// the wait.
func (h *Loki) Close(ctx context.Context) error {
	select {
	case <-h.sink.done:
	default:
		close(h.sink.done)
	}
	select {
	case <-h.sink.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func levelName(l slog.Level) string {
	if l < slog.LevelDebug {
		return "TRACE"
	}
	return l.String()
}

func (s *lokiSink) enqueue(e lokiEntry) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	full := len(s.pending) >= s.cfg.BatchSize
	s.mu.Unlock()
	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

func (s *lokiSink) run() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			s.flush()
			return
		case <-ticker.C:
			s.flush()
		case <-s.kick:
			s.flush()
		}
	}
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

func (s *lokiSink) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	body, err := json.Marshal(map[string]any{"streams": buildStreams(batch)})
	if err != nil {
		s.dropped.Add(int64(len(batch)))
		return
	}
	if err := s.push(body); err != nil {
		s.dropped.Add(int64(len(batch)))
	}
}

// buildStreams groups entries by label set, preserving arrival order
// within each stream.
func buildStreams(batch []lokiEntry) []lokiStream {
	index := map[string]int{}
	var streams []lokiStream
	for _, e := range batch {
		key := labelKey(e.labels)
		i, ok := index[key]
		if !ok {
			i = len(streams)
			index[key] = i
			streams = append(streams, lokiStream{Stream: e.labels})
		}
		streams[i].Values = append(streams[i].Values, [2]string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line})
	}
	return streams
}

func labelKey(labels map[string]string) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}

func (s *lokiSink) push(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.User != "" || s.cfg.Password != "" {
		req.SetBasicAuth(s.cfg.User, s.cfg.Password)
	}
	if s.cfg.OrgID != "" {
		req.Header.Set("X-Scope-OrgID", s.cfg.OrgID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("loki push: %d %s", resp.StatusCode, msg)
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}
