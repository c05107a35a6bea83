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

// Package controller turns tracing sessions into ftrace state: it reference
// counts event enables across sinks, runs one reader per CPU while any sink
// is active, and drains staged pages into the sinks periodically.
package controller

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/capsule8/ftrace/pkg/ftrace"
	"github.com/capsule8/ftrace/pkg/ftrace/reader"
	"github.com/capsule8/ftrace/pkg/sys/tracefs"

	"golang.org/x/sync/errgroup"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Drain period limits, in milliseconds.
const (
	DefaultDrainPeriodMs = 100
	MinDrainPeriodMs     = 1
	MaxDrainPeriodMs     = 1000 * 60
)

// Per-CPU ring buffer size limits, in KB.
const (
	DefaultPerCPUBufferSizeKB = 4 * 1024
	MaxPerCPUBufferSizeKB     = 8 * 1024
)

// Controller owns the translation table, the per-CPU readers and the set of
// live sinks.
type Controller struct {
	mu sync.Mutex

	ftrace     *tracefs.Ftrace
	table      *ftrace.Table
	runner     TaskRunner
	ownRunner  *LoopRunner
	clock      func() time.Time
	atrace     AtraceRunner
	onDrainCPU func(cpu int)

	sinks         []*Sink
	enabledCount  []int
	readers       []*reader.CPUReader
	atraceRunning bool
	closed        bool

	// generation changes on every start and stop; drains scheduled for an
	// older generation do nothing.
	generation atomic.Uint64

	pendingMu   sync.Mutex
	cpusToDrain []bool
}

// New creates a Controller. Without options it finds the tracing root
// through procfs and builds the translation table from it.
func New(opts ...Option) (*Controller, error) {
	o := options{
		procFS: "/proc",
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ft := o.ftrace
	if ft == nil {
		fs := o.fs
		if fs == nil {
			dir := o.tracingDir
			if dir == "" {
				var err error
				if dir, err = tracefs.FindTracingDir(o.procFS); err != nil {
					return nil, err
				}
			}
			fs = tracefs.NewFileSystem(dir)
		}
		ft = tracefs.New(fs)
	}

	table := o.table
	if table == nil {
		var err error
		table, err = ftrace.Create(ft, ftrace.StaticEventInfo(),
			ftrace.StaticCommonFieldsInfo())
		if err != nil {
			return nil, fmt.Errorf("Couldn't build translation table: %w", err)
		}
	}

	c := &Controller{
		ftrace:     ft,
		table:      table,
		runner:     o.runner,
		clock:      o.clock,
		atrace:     o.atrace,
		onDrainCPU: o.onDrainCPU,
	}
	if c.atrace == nil {
		c.atrace = ExecAtraceRunner(DefaultAtracePath)
	}
	if c.runner == nil {
		c.ownRunner = NewLoopRunner()
		c.runner = c.ownRunner
	}

	ft.CleanupStaleProbes()

	return c, nil
}

// Table returns the translation table.
func (c *Controller) Table() *ftrace.Table {
	return c.table
}

// Ftrace returns the tracing root wrapper.
func (c *Controller) Ftrace() *tracefs.Ftrace {
	return c.ftrace
}

// Close destroys every sink and stops collection.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for _, s := range c.sinks {
		c.releaseEventsLocked(s)
		s.detached = true
	}
	c.sinks = nil
	c.stopLocked()
	c.closed = true
	c.mu.Unlock()

	if c.ownRunner != nil {
		c.ownRunner.Stop()
	}
}

// validEventName rejects names that could escape the events directory.
func validEventName(name string) bool {
	if name == "" || strings.Contains(name, "..") {
		return false
	}
	return strings.Count(name, "/") <= 1
}

func clampDrainPeriodMs(ms uint32) uint32 {
	if ms == 0 {
		return DefaultDrainPeriodMs
	}
	if ms < MinDrainPeriodMs || ms > MaxDrainPeriodMs {
		glog.Warningf("Drain period %d ms should be between %d and %d",
			ms, MinDrainPeriodMs, MaxDrainPeriodMs)
		return DefaultDrainPeriodMs
	}
	return ms
}

// computeCPUBufferSizeInPages converts a requested per-CPU size into whole
// ring buffer pages.
func computeCPUBufferSizeInPages(requestedKB uint32, pageSize int) int {
	kb := int(requestedKB)
	if kb == 0 {
		kb = DefaultPerCPUBufferSizeKB
	}
	if kb > MaxPerCPUBufferSizeKB {
		glog.Warningf("Buffer size %d KB is above the maximum of %d KB",
			kb, MaxPerCPUBufferSizeKB)
		kb = DefaultPerCPUBufferSizeKB
	}

	pages := kb / (pageSize / 1024)
	if pages == 0 {
		return 1
	}
	return pages
}

// DrainPeriod is the current drain period: the shortest requested by any
// sink.
func (c *Controller) DrainPeriod() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drainPeriodLocked()
}

func (c *Controller) drainPeriodLocked() time.Duration {
	if len(c.sinks) == 0 {
		return DefaultDrainPeriodMs * time.Millisecond
	}
	min := uint32(MaxDrainPeriodMs + 1)
	for _, s := range c.sinks {
		if s.config.DrainPeriodMs < min {
			min = s.config.DrainPeriodMs
		}
	}
	return time.Duration(clampDrainPeriodMs(min)) * time.Millisecond
}

// resolveEvent finds a requested event, registering it from its format file
// if it is a "group/name" the table does not know yet.
func (c *Controller) resolveEvent(name string) *ftrace.Event {
	if e := c.table.LookupEvent(name); e != nil {
		return e
	}
	x := strings.IndexByte(name, '/')
	if x == -1 {
		return nil
	}
	e, err := c.table.AddGenericEvent(ftrace.GroupAndName{
		Group: name[:x],
		Name:  name[x+1:],
	})
	if err != nil {
		glog.V(1).Infof("Event %s is not available: %v", name, err)
		return nil
	}
	return e
}

func (c *Controller) acquireEventLocked(e *ftrace.Event) bool {
	id := int(e.FtraceEventID)
	if id >= len(c.enabledCount) {
		count := make([]int, id+1)
		copy(count, c.enabledCount)
		c.enabledCount = count
	}
	if c.enabledCount[id] == 0 {
		if err := c.ftrace.EnableEvent(e.Group, e.Name); err != nil {
			glog.Warningf("Couldn't enable %s/%s: %v", e.Group, e.Name, err)
			return false
		}
	}
	c.enabledCount[id]++
	return true
}

func (c *Controller) releaseEventLocked(id uint32) {
	if int(id) >= len(c.enabledCount) || c.enabledCount[id] == 0 {
		return
	}
	c.enabledCount[id]--
	if c.enabledCount[id] > 0 {
		return
	}
	e := c.table.EventByID(id)
	if e == nil {
		return
	}
	if err := c.ftrace.DisableEvent(e.Group, e.Name); err != nil {
		glog.Warningf("Couldn't disable %s/%s: %v", e.Group, e.Name, err)
	}
}

func (c *Controller) releaseEventsLocked(s *Sink) {
	for _, id := range s.filter.EnabledIDs() {
		c.releaseEventLocked(id)
	}
}

// CreateSink starts a tracing session. Event names the kernel does not have
// are skipped; a sink with no usable events still receives empty bundles.
// Names that could escape the tracing root fail the whole request.
func (c *Controller) CreateSink(config SinkConfig, delegate reader.BundleSink) (*Sink, error) {
	for _, name := range config.Events {
		if !validEventName(name) {
			return nil, status.Errorf(codes.InvalidArgument,
				"invalid event name %q", name)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, status.Error(codes.FailedPrecondition, "controller is closed")
	}

	s := &Sink{
		ID:         uuid.New(),
		controller: c,
		config:     config,
		filter:     ftrace.NewEventFilter(c.table, nil),
		compact: ftrace.CreateCompactSchedConfig(config.CompactSched,
			c.table.CompactSchedFormat()),
		delegate: delegate,
	}

	for _, name := range config.Events {
		e := c.resolveEvent(name)
		if e == nil {
			glog.Warningf("Sink %s: unknown event %s", s.ID, name)
			continue
		}
		if s.filter.IsEventEnabled(e.FtraceEventID) {
			continue
		}
		if c.acquireEventLocked(e) {
			s.filter.AddEnabledEvent(e.FtraceEventID)
		}
	}

	c.sinks = append(c.sinks, s)
	if len(c.sinks) == 1 {
		c.startLocked(&s.config)
	}

	glog.V(1).Infof("Created sink %s with events %v", s.ID,
		s.filter.EnabledIDs())
	return s, nil
}

func (c *Controller) removeSink(s *Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.detached {
		return
	}
	s.detached = true

	for i, other := range c.sinks {
		if other == s {
			c.sinks = append(c.sinks[:i], c.sinks[i+1:]...)
			break
		}
	}
	c.releaseEventsLocked(s)
	glog.V(1).Infof("Destroyed sink %s", s.ID)

	if len(c.sinks) == 0 {
		c.stopLocked()
	}
}

// Sinks summarizes the live sinks.
func (c *Controller) Sinks() []SinkInfo {
	c.mu.Lock()
	sinks := append([]*Sink(nil), c.sinks...)
	c.mu.Unlock()

	infos := make([]SinkInfo, 0, len(sinks))
	for _, s := range sinks {
		infos = append(infos, s.Info())
	}
	return infos
}

// IsCollecting reports whether any sink is live.
func (c *Controller) IsCollecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sinks) > 0
}

func (c *Controller) startLocked(config *SinkConfig) {
	pages := computeCPUBufferSizeInPages(config.BufferSizeKB, c.ftrace.PageSize())
	if err := c.ftrace.SetCPUBufferSizeInPages(pages); err != nil {
		glog.Warningf("Couldn't set buffer size: %v", err)
	}
	c.startAtraceLocked(config)
	if err := c.ftrace.EnableTracing(); err != nil {
		glog.Warningf("Couldn't enable tracing: %v", err)
	}

	generation := c.generation.Add(1)
	ncpu := c.ftrace.NumCPU()

	c.pendingMu.Lock()
	c.cpusToDrain = make([]bool, ncpu)
	c.pendingMu.Unlock()

	c.readers = make([]*reader.CPUReader, ncpu)
	var g errgroup.Group
	for cpu := 0; cpu < ncpu; cpu++ {
		cpu := cpu
		g.Go(func() error {
			pipe, err := c.ftrace.FileSystem().OpenPipeForCPU(cpu)
			if err != nil {
				return fmt.Errorf("cpu %d: %w", cpu, err)
			}
			r, err := reader.NewCPUReader(cpu, pipe, c.table,
				c.ftrace.PageSize(), func(cpu int) {
					c.onDataAvailable(generation, cpu)
				})
			if err != nil {
				pipe.Close()
				return fmt.Errorf("cpu %d: %w", cpu, err)
			}
			c.readers[cpu] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		glog.Warningf("Couldn't start every CPU reader: %v", err)
	}

	glog.V(1).Infof("Started collection, generation %d, %d cpus",
		generation, ncpu)
}

func (c *Controller) stopLocked() {
	if c.readers == nil && !c.atraceRunning {
		return
	}

	if err := c.ftrace.DisableTracing(); err != nil {
		glog.Warningf("Couldn't disable tracing: %v", err)
	}
	c.stopAtraceLocked()

	var g errgroup.Group
	for _, r := range c.readers {
		if r == nil {
			continue
		}
		r := r
		g.Go(r.Close)
	}
	if err := g.Wait(); err != nil {
		glog.Warningf("Couldn't close every CPU reader: %v", err)
	}
	c.readers = nil

	generation := c.generation.Add(1)

	c.pendingMu.Lock()
	c.cpusToDrain = nil
	c.pendingMu.Unlock()

	glog.V(1).Infof("Stopped collection, generation %d", generation)
}

// onDataAvailable is called from reader goroutines. The first CPU to report
// data schedules a drain aligned to the next drain period boundary.
func (c *Controller) onDataAvailable(generation uint64, cpu int) {
	if generation != c.generation.Load() {
		return
	}

	c.pendingMu.Lock()
	if cpu >= len(c.cpusToDrain) {
		c.pendingMu.Unlock()
		return
	}
	first := true
	for _, pending := range c.cpusToDrain {
		if pending {
			first = false
			break
		}
	}
	c.cpusToDrain[cpu] = true
	c.pendingMu.Unlock()

	if !first {
		return
	}

	c.runner.PostTask(func() {
		period := c.DrainPeriod()
		now := time.Duration(c.clock().UnixNano())
		delay := period - now%period
		c.runner.PostDelayedTask(func() {
			c.drainCPUs(generation)
		}, delay)
	})
}

func (c *Controller) drainCPUs(generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || generation != c.generation.Load() {
		return
	}

	c.pendingMu.Lock()
	cpus := c.cpusToDrain
	c.cpusToDrain = make([]bool, len(cpus))
	c.pendingMu.Unlock()

	targets := make([]reader.Target, 0, len(c.sinks))
	for _, s := range c.sinks {
		targets = append(targets, reader.Target{
			Filter:       s.filter,
			CompactSched: s.compact,
			Sink:         s,
		})
	}

	for cpu, pending := range cpus {
		if !pending {
			continue
		}
		if cpu < len(c.readers) && c.readers[cpu] != nil {
			if err := c.readers[cpu].Drain(targets); err != nil {
				glog.Warningf("cpu %d: drain failed: %v", cpu, err)
			}
		}
		if c.onDrainCPU != nil {
			c.onDrainCPU(cpu)
		}
	}
	glog.V(2).Infof("Drained generation %d", generation)
}

// ClearTrace empties the ring buffers.
func (c *Controller) ClearTrace() error {
	return c.ftrace.ClearTrace()
}

// WriteTraceMarker writes s into the trace.
func (c *Controller) WriteTraceMarker(s string) error {
	return c.ftrace.WriteTraceMarker(s)
}

func (c *Controller) lookupForToggle(name string) (*ftrace.Event, error) {
	if !validEventName(name) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid event name %q", name)
	}
	e := c.table.LookupEvent(name)
	if e == nil {
		return nil, status.Errorf(codes.NotFound, "unknown event %q", name)
	}
	return e, nil
}

// EnableEvent turns an event on directly, outside of any sink.
func (c *Controller) EnableEvent(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupForToggle(name)
	if err != nil {
		return err
	}
	return c.ftrace.EnableEvent(e.Group, e.Name)
}

// DisableEvent turns an event off directly, outside of any sink.
func (c *Controller) DisableEvent(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupForToggle(name)
	if err != nil {
		return err
	}
	return c.ftrace.DisableEvent(e.Group, e.Name)
}

// CPUStats reads the ring buffer statistics of every CPU.
func (c *Controller) CPUStats() ([]tracefs.CPUStats, error) {
	ncpu := c.ftrace.NumCPU()
	stats := make([]tracefs.CPUStats, ncpu)
	for cpu := 0; cpu < ncpu; cpu++ {
		s, err := c.ftrace.ReadCPUStats(cpu)
		if err != nil {
			return nil, err
		}
		stats[cpu] = s
	}
	return stats, nil
}

// HardReset puts ftrace back into an idle state. It is refused while sinks
// are live.
func (c *Controller) HardReset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.sinks) > 0 {
		return status.Error(codes.FailedPrecondition,
			"cannot reset ftrace while sinks are active")
	}
	return c.ftrace.HardReset()
}

// AddKprobe registers kprobes/<name> at address and adds it to the table.
func (c *Controller) AddKprobe(name, address string, onReturn bool, fetchargs string) (*ftrace.Event, error) {
	if !tracefs.ValidName(name) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid kprobe name %q", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	gn := ftrace.GroupAndName{Group: tracefs.KprobeGroup, Name: name}
	if c.table.Event(gn) != nil {
		return nil, status.Errorf(codes.AlreadyExists, "kprobe %q already exists", name)
	}

	if err := c.ftrace.AddKprobe(name, address, onReturn, fetchargs); err != nil {
		return nil, status.Errorf(codes.Internal, "couldn't add kprobe %q: %v", name, err)
	}
	e, err := c.table.AddGenericEvent(gn)
	if err != nil {
		if rerr := c.ftrace.RemoveKprobe(name); rerr != nil {
			glog.Warningf("Couldn't remove kprobe %s: %v", name, rerr)
		}
		return nil, status.Errorf(codes.Internal, "couldn't read format of kprobe %q: %v", name, err)
	}
	return e, nil
}

// RemoveKprobe removes kprobes/<name> from the table and the kernel. It is
// refused while a sink has the kprobe enabled.
func (c *Controller) RemoveKprobe(name string) error {
	if !tracefs.ValidName(name) {
		return status.Errorf(codes.InvalidArgument, "invalid kprobe name %q", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	gn := ftrace.GroupAndName{Group: tracefs.KprobeGroup, Name: name}
	e := c.table.Event(gn)
	if e == nil {
		return status.Errorf(codes.NotFound, "unknown kprobe %q", name)
	}
	if id := int(e.FtraceEventID); id < len(c.enabledCount) && c.enabledCount[id] > 0 {
		return status.Errorf(codes.FailedPrecondition, "kprobe %q is in use", name)
	}

	c.table.RemoveEvent(gn)
	if err := c.ftrace.RemoveKprobe(name); err != nil {
		return status.Errorf(codes.Internal, "couldn't remove kprobe %q: %v", name, err)
	}
	return nil
}
