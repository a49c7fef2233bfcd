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
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestBusHandlerForwardsRecords(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})

	var published []Record
	logger := slog.New(NewBusHandler(inner, func(topic string, payload any) {
		if topic != Topic {
			t.Errorf("topic = %q, want %q", topic, Topic)
		}
		if rec, ok := payload.(Record); ok {
			published = append(published, rec)
		}
	}))

	logger.Info("resource admitted", slog.String("resource", "default.writer"))

	if len(published) != 1 {
		t.Fatalf("published %d records, want 1", len(published))
	}
	if published[0].Message != "resource admitted" {
		t.Errorf("message = %q", published[0].Message)
	}
	if published[0].Attrs["resource"] != "default.writer" {
		t.Errorf("attrs = %v", published[0].Attrs)
	}
	if !strings.Contains(buf.String(), "resource admitted") {
		t.Error("inner handler not invoked")
	}
}

func TestBusHandlerCarriesWithAttrs(t *testing.T) {
	inner := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug})

	var published []Record
	base := slog.New(NewBusHandler(inner, func(topic string, payload any) {
		published = append(published, payload.(Record))
	}))

	WithComponent(base, "scheduler").Info("tick")

	if len(published) != 1 {
		t.Fatalf("published %d records", len(published))
	}
	if published[0].Attrs[ComponentKey] != "scheduler" {
		t.Errorf("component attr missing: %v", published[0].Attrs)
	}
}
