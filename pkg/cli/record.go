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

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/capsule8/ftrace/pkg/config"
	"github.com/capsule8/ftrace/pkg/ftrace/bundle"
	"github.com/capsule8/ftrace/pkg/ftrace/controller"
	"github.com/capsule8/ftrace/pkg/server"
	"github.com/capsule8/ftrace/pkg/sys"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const bundleQueueLength = 64

type recordOptions struct {
	events           []string
	duration         time.Duration
	output           string
	drainPeriodMs    uint32
	bufferSizeKB     uint32
	compactSched     bool
	atraceCategories []string
	atraceApps       []string
	listenAddr       string
	symbolize        bool
}

// channelSink hands bundles to the writer goroutine. Once ctx is done
// bundles are dropped instead of blocking the drain.
type channelSink struct {
	ctx     context.Context
	bundles chan *bundle.Bundle
	dropped atomic.Uint64
}

func (s *channelSink) OnBundle(b *bundle.Bundle) {
	select {
	case s.bundles <- b:
	case <-s.ctx.Done():
		s.dropped.Add(1)
	}
}

func newRecordCommand(e *env) *cobra.Command {
	opts := &recordOptions{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record events until interrupted or for a fixed duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()
			return opts.run(ctx, e)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&opts.events, "event", "e", nil,
		`events to record, as "name" or "group/name"`)
	flags.DurationVarP(&opts.duration, "duration", "t", 0,
		"how long to record; until interrupted when 0")
	flags.StringVarP(&opts.output, "output", "o", "",
		"write length delimited bundles to this file instead of text to stdout")
	flags.Uint32Var(&opts.drainPeriodMs, "drain-period-ms", config.Global.DrainPeriodMs,
		"how often per-CPU buffers are drained")
	flags.Uint32Var(&opts.bufferSizeKB, "buffer-size-kb", config.Global.BufferSizeKB,
		"per-CPU ring buffer size; 0 for the default")
	flags.BoolVar(&opts.compactSched, "compact-sched", config.Global.CompactSched,
		"encode sched_switch and sched_waking compactly")
	flags.StringSliceVar(&opts.atraceCategories, "atrace-category", nil,
		"atrace categories to enable")
	flags.StringSliceVar(&opts.atraceApps, "atrace-app", nil,
		"apps to enable atrace for")
	flags.StringVar(&opts.listenAddr, "listen", config.Global.ListenAddr,
		"serve the HTTP status surface on this address while recording")
	flags.BoolVar(&opts.symbolize, "symbolize", true,
		"resolve kernel addresses through kallsyms in text output")

	return cmd
}

func (opts *recordOptions) sinkConfig() controller.SinkConfig {
	return controller.SinkConfig{
		Events:           opts.events,
		DrainPeriodMs:    opts.drainPeriodMs,
		BufferSizeKB:     opts.bufferSizeKB,
		CompactSched:     opts.compactSched,
		AtraceCategories: opts.atraceCategories,
		AtraceApps:       opts.atraceApps,
	}
}

func (opts *recordOptions) openWriter(e *env, c *controller.Controller) (bundleWriter, error) {
	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			return nil, err
		}
		return newDelimitedWriter(f), nil
	}

	var symbols *sys.KernelSymbols
	if opts.symbolize {
		var err error
		symbols, err = sys.LoadKernelSymbols(e.global.procFS, config.Global.KsymsCacheSize)
		if err != nil {
			glog.Warningf("Kernel symbols unavailable: %v", err)
			symbols = nil
		}
	}
	return newTextWriter(e.out, c.Table(), symbols), nil
}

func (opts *recordOptions) run(ctx context.Context, e *env) error {
	if len(opts.events) == 0 && len(opts.atraceCategories) == 0 {
		return fmt.Errorf("Nothing to record: give at least one --event or --atrace-category")
	}

	c, err := e.controller()
	if err != nil {
		return err
	}
	defer c.Close()

	w, err := opts.openWriter(e, c)
	if err != nil {
		return err
	}

	var cancel context.CancelFunc
	if opts.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	sink := &channelSink{
		ctx:     ctx,
		bundles: make(chan *bundle.Bundle, bundleQueueLength),
	}

	var nbundles, nevents int
	g.Go(func() error {
		for b := range sink.bundles {
			nbundles++
			nevents += len(b.Events)
			if err := w.WriteBundle(b); err != nil {
				return err
			}
		}
		return w.Close()
	})

	if opts.listenAddr != "" {
		s := server.New(c)
		g.Go(func() error {
			return s.ListenAndServe(ctx, opts.listenAddr)
		})
	}

	start := sys.CurrentMonotonicRaw()
	s, err := c.CreateSink(opts.sinkConfig(), sink)
	if err != nil {
		cancel()
		close(sink.bundles)
		g.Wait()
		return err
	}
	glog.V(1).Infof("Recording into sink %s", s.ID)

	<-ctx.Done()
	s.Close()
	c.Close()
	close(sink.bundles)

	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Duration(sys.CurrentMonotonicRaw() - start)
	fmt.Fprintf(e.errorOut, "Recorded %d events in %d bundles over %s",
		nevents, nbundles, elapsed.Round(time.Millisecond))
	if n := sink.dropped.Load(); n > 0 {
		fmt.Fprintf(e.errorOut, ", dropped %d bundles at shutdown", n)
	}
	fmt.Fprintln(e.errorOut)
	return nil
}
