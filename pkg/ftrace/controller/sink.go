// Copyright 2018 Capsule8, Inc.
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

package controller

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/capsule8/ftrace/pkg/ftrace"
	"github.com/capsule8/ftrace/pkg/ftrace/bundle"
	"github.com/capsule8/ftrace/pkg/ftrace/reader"
)

// SinkConfig is what one tracing session asks of the controller.
type SinkConfig struct {
	// Events are "name" or "group/name".
	Events []string

	// DrainPeriodMs is how often staged pages are drained. 0 or out of
	// range values mean the default.
	DrainPeriodMs uint32

	// BufferSizeKB is the requested per-CPU ring buffer size. It only
	// takes effect for the first sink. 0 means the default.
	BufferSizeKB uint32

	// CompactSched requests the compact encoding for sched_switch and
	// sched_waking, if the kernel's formats allow it.
	CompactSched bool

	AtraceCategories []string
	AtraceApps       []string
}

// Sink is one tracing session. Bundles for the events it enabled are handed
// to its delegate from the controller's task runner.
type Sink struct {
	ID uuid.UUID

	controller *Controller
	config     SinkConfig
	filter     *ftrace.EventFilter
	compact    ftrace.CompactSchedConfig
	delegate   reader.BundleSink

	bundles    atomic.Uint64
	lostEvents atomic.Uint64
	detached   bool
}

// SinkInfo summarizes a live sink.
type SinkInfo struct {
	ID            string   `json:"id"`
	Events        []string `json:"events"`
	DrainPeriodMs uint32   `json:"drain_period_ms"`
	CompactSched  bool     `json:"compact_sched"`
	Bundles       uint64   `json:"bundles"`
	LostEvents    uint64   `json:"lost_events"`
}

// OnBundle implements reader.BundleSink.
func (s *Sink) OnBundle(b *bundle.Bundle) {
	s.bundles.Add(1)
	if b.LostEvents {
		s.lostEvents.Add(1)
	}
	s.delegate.OnBundle(b)
}

// Config returns the configuration the sink was created with.
func (s *Sink) Config() SinkConfig {
	return s.config
}

// EnabledEvents returns the names of the events the sink receives.
func (s *Sink) EnabledEvents() []string {
	s.controller.mu.Lock()
	defer s.controller.mu.Unlock()

	var names []string
	for _, id := range s.filter.EnabledIDs() {
		if e := s.controller.table.EventByID(id); e != nil {
			names = append(names, e.Group+"/"+e.Name)
		}
	}
	return names
}

// CompactSchedEnabled reports whether the compact encoding is in use.
func (s *Sink) CompactSchedEnabled() bool {
	return s.compact.Enabled
}

// Info summarizes the sink.
func (s *Sink) Info() SinkInfo {
	return SinkInfo{
		ID:            s.ID.String(),
		Events:        s.EnabledEvents(),
		DrainPeriodMs: s.config.DrainPeriodMs,
		CompactSched:  s.compact.Enabled,
		Bundles:       s.bundles.Load(),
		LostEvents:    s.lostEvents.Load(),
	}
}

// Close ends the session, disabling any event no other sink uses. Closing
// the last sink stops collection. Close is a no-op if the controller was
// closed first.
func (s *Sink) Close() {
	s.controller.removeSink(s)
}
