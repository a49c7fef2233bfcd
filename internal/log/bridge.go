// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"
	"log/slog"
	"time"
)

// Topic is the bus topic log records are mirrored onto.
const Topic = "logger.log"

// Record is the payload published on the logger.log topic.
type Record struct {
	Time    time.Time
	Level   string
	Message string
	Attrs   map[string]any
}

// busHandler wraps a slog.Handler and mirrors every record onto a publish
// function. The bus itself must log through an unwrapped handler, so
// forwarding cannot recurse.
type busHandler struct {
	inner   slog.Handler
	publish func(topic string, payload any)
	attrs   []slog.Attr
}

// NewBusHandler wraps inner so records are also published on the
// logger.log topic.
func NewBusHandler(inner slog.Handler, publish func(topic string, payload any)) slog.Handler {
	return &busHandler{inner: inner, publish: publish}
}

func (h *busHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *busHandler) Handle(ctx context.Context, record slog.Record) error {
	payload := Record{
		Time:    record.Time,
		Level:   record.Level.String(),
		Message: record.Message,
		Attrs:   make(map[string]any, record.NumAttrs()+len(h.attrs)),
	}
	for _, attr := range h.attrs {
		payload.Attrs[attr.Key] = attr.Value.Any()
	}
	record.Attrs(func(attr slog.Attr) bool {
		payload.Attrs[attr.Key] = attr.Value.Any()
		return true
	})
	h.publish(Topic, payload)

	return h.inner.Handle(ctx, record)
}

func (h *busHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &busHandler{inner: h.inner.WithAttrs(attrs), publish: h.publish, attrs: merged}
}

func (h *busHandler) WithGroup(name string) slog.Handler {
	return &busHandler{inner: h.inner.WithGroup(name), publish: h.publish, attrs: h.attrs}
}
