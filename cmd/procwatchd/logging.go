package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Log topics. Each component logs through logger.With("topic", name).
const (
	topicProcess = "process"
	topicStartup = "startup"
	topicDBus    = "dbus"
	topicWatch   = "watch"
	topicWake    = "wake"
)

var knownTopics = []string{topicProcess, topicStartup, topicDBus, topicWatch, topicWake}

// topicHandler drops records whose "topic" attribute is not enabled.
// Records without a topic (lifecycle messages, fatal errors) always pass.
type topicHandler struct {
	inner  slog.Handler
	topics map[string]bool
	topic  string
}

func (h *topicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *topicHandler) Handle(ctx context.Context, r slog.Record) error {
	topic := h.topic
	if topic == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "topic" {
				topic = a.Value.String()
				return false
			}
			return true
		})
	}
	if !h.allows(topic, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

// allows passes untagged records, enabled topics, and warnings or worse
// from any topic.
func (h *topicHandler) allows(topic string, level slog.Level) bool {
	return topic == "" || level >= slog.LevelWarn || h.topics["all"] || h.topics[topic]
}

func (h *topicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	topic := h.topic
	for _, a := range attrs {
		if a.Key == "topic" {
			topic = a.Value.String()
		}
	}
	return &topicHandler{inner: h.inner.WithAttrs(attrs), topics: h.topics, topic: topic}
}

func (h *topicHandler) WithGroup(name string) slog.Handler {
	return &topicHandler{inner: h.inner.WithGroup(name), topics: h.topics, topic: h.topic}
}

// parseTopics turns "process, dbus" into a set. verbose enables all.
func parseTopics(list string, verbose bool) map[string]bool {
	topics := make(map[string]bool)
	if verbose {
		topics["all"] = true
	}
	for _, t := range strings.Split(list, ",") {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			topics[t] = true
		}
	}
	return topics
}

func newLogger(w io.Writer, topics map[string]bool) *slog.Logger {
	return slog.New(&topicHandler{
		inner:  slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}),
		topics: topics,
	})
}
