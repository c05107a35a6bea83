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
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/capsule8/ftrace/pkg/ftrace"
	"github.com/capsule8/ftrace/pkg/ftrace/bundle"
	"github.com/capsule8/ftrace/pkg/sys"
)

// bundleWriter is where a recording goes.
type bundleWriter interface {
	WriteBundle(b *bundle.Bundle) error
	Close() error
}

// delimitedWriter writes each bundle as a varint length prefixed protobuf
// message.
type delimitedWriter struct {
	w      *bufio.Writer
	closer io.Closer
	buf    []byte
}

func newDelimitedWriter(w io.Writer) *delimitedWriter {
	d := &delimitedWriter{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		d.closer = c
	}
	return d
}

func (d *delimitedWriter) WriteBundle(b *bundle.Bundle) error {
	d.buf = b.AppendDelimited(d.buf[:0])
	_, err := d.w.Write(d.buf)
	return err
}

func (d *delimitedWriter) Close() error {
	err := d.w.Flush()
	if d.closer != nil {
		if cerr := d.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// textWriter renders one line per event.
type textWriter struct {
	w       *bufio.Writer
	table   *ftrace.Table
	symbols *sys.KernelSymbols

	// byProtoID maps output tags back to static events. Generic events
	// share one tag and are rendered without names.
	byProtoID map[uint32]*ftrace.Event
}

func newTextWriter(w io.Writer, table *ftrace.Table, symbols *sys.KernelSymbols) *textWriter {
	t := &textWriter{
		w:         bufio.NewWriter(w),
		table:     table,
		symbols:   symbols,
		byProtoID: make(map[uint32]*ftrace.Event),
	}
	table.RLock()
	for _, e := range table.Events() {
		if e.ProtoFieldID != ftrace.GenericEventProtoFieldID {
			t.byProtoID[e.ProtoFieldID] = e
		}
	}
	table.RUnlock()
	return t
}

func (t *textWriter) formatValue(v bundle.Value, field *ftrace.Field) string {
	switch v.Kind {
	case bundle.KindUint:
		if field != nil && field.Symbolize && t.symbols != nil {
			return t.symbols.Format(v.Uint)
		}
		return fmt.Sprint(v.Uint)
	case bundle.KindInt:
		return fmt.Sprint(v.Int)
	case bundle.KindString:
		return fmt.Sprintf("%q", v.Str)
	}
	return "?"
}

func (t *textWriter) formatEvent(cpu uint32, e *bundle.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%03d] %d.%09d pid=%d ", cpu,
		e.Timestamp/1e9, e.Timestamp%1e9, e.Pid)

	event := t.byProtoID[e.Payload.FieldID]
	if event != nil {
		sb.WriteString(event.Name + ":")
	} else {
		fmt.Fprintf(&sb, "event(%d):", e.Payload.FieldID)
	}

	for _, v := range e.Payload.Values {
		var field *ftrace.Field
		name := fmt.Sprint(v.FieldID)
		if event != nil {
			for i := range event.Fields {
				if event.Fields[i].ProtoFieldID == v.FieldID {
					field = &event.Fields[i]
					name = field.FtraceName
					break
				}
			}
		}
		sb.WriteString(" " + name + "=" + t.formatValue(v, field))
	}
	return sb.String()
}

func (t *textWriter) WriteBundle(b *bundle.Bundle) error {
	if b.LostEvents {
		fmt.Fprintf(t.w, "[%03d] lost events\n", b.CPU)
	}
	for _, e := range b.Events {
		fmt.Fprintln(t.w, t.formatEvent(b.CPU, e))
	}
	if c := b.CompactSched; c != nil {
		comms := append([]string(nil), c.InternTable...)
		sort.Strings(comms)
		fmt.Fprintf(t.w, "[%03d] compact sched: switches=%d wakings=%d comms=%s\n",
			b.CPU, c.SwitchCount(), c.WakingCount(), strings.Join(comms, ","))
	}
	return nil
}

func (t *textWriter) Close() error {
	return t.w.Flush()
}
