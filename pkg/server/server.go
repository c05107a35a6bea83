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

// Package server exposes a running controller over HTTP: sinks, the event
// table, per-CPU ring buffer stats and a few control operations.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/capsule8/ftrace/pkg/ftrace"
	"github.com/capsule8/ftrace/pkg/ftrace/controller"
	"github.com/capsule8/ftrace/pkg/sys"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxMarkerLength = 4096

// Status is the response of GET /status.
type Status struct {
	KernelRelease  string `json:"kernel_release"`
	TracingEnabled bool   `json:"tracing_enabled"`
	Collecting     bool   `json:"collecting"`
	DrainPeriodMs  int64  `json:"drain_period_ms"`
	NumCPU         int    `json:"num_cpu"`
	NumSinks       int    `json:"num_sinks"`
	NumEvents      int    `json:"num_events"`
}

// EventInfo describes one table entry.
type EventInfo struct {
	ID     uint32      `json:"id"`
	Group  string      `json:"group"`
	Name   string      `json:"name"`
	Size   uint16      `json:"size"`
	Fields []FieldInfo `json:"fields,omitempty"`
}

// FieldInfo describes one translated field.
type FieldInfo struct {
	Name     string `json:"name"`
	Offset   uint16 `json:"offset"`
	Size     uint16 `json:"size"`
	Type     string `json:"type"`
	Proto    string `json:"proto"`
	ProtoID  uint32 `json:"proto_id"`
	Strategy int    `json:"strategy"`
}

// KprobeRequest is the body of POST /kprobes.
type KprobeRequest struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	OnReturn  bool   `json:"on_return"`
	Fetchargs string `json:"fetchargs"`
}

// Server routes HTTP requests to a controller.
type Server struct {
	c      *controller.Controller
	router *mux.Router
}

// New creates a Server for c.
func New(c *controller.Controller) *Server {
	s := &Server{
		c:      c,
		router: mux.NewRouter(),
	}

	r := s.router
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/sinks", s.handleSinks).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/{group}/{name}", s.handleEvent).Methods(http.MethodGet)
	r.HandleFunc("/events/{group}/{name}/enable", s.handleToggle(true)).Methods(http.MethodPost)
	r.HandleFunc("/events/{group}/{name}/disable", s.handleToggle(false)).Methods(http.MethodPost)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/stats/{cpu:[0-9]+}", s.handleCPUStats).Methods(http.MethodGet)
	r.HandleFunc("/marker", s.handleMarker).Methods(http.MethodPost)
	r.HandleFunc("/clear", s.handleClear).Methods(http.MethodPost)
	r.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost)
	r.HandleFunc("/kprobes", s.handleAddKprobe).Methods(http.MethodPost)
	r.HandleFunc("/kprobes/{name}", s.handleRemoveKprobe).Methods(http.MethodDelete)

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		glog.V(1).Infof("Serving status on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != http.ErrServerClosed {
		return err
	}
	return nil
}

// httpStatus maps controller error codes onto HTTP.
func httpStatus(err error) int {
	switch status.Code(err) {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.FailedPrecondition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func sendError(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	if code == http.StatusInternalServerError {
		glog.Warning(err)
	}
	msg := err.Error()
	if st, ok := status.FromError(err); ok {
		msg = st.Message()
	}
	http.Error(w, msg, code)
}

func sendStruct(w http.ResponseWriter, res interface{}) {
	sendStructWithCode(w, http.StatusOK, res)
}

func sendStructWithCode(w http.ResponseWriter, code int, res interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		glog.Warningf("Couldn't encode response: %v", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	release, err := sys.KernelRelease()
	if err != nil {
		glog.V(1).Infof("Couldn't read kernel release: %v", err)
	}

	ft := s.c.Ftrace()
	sendStruct(w, Status{
		KernelRelease:  release,
		TracingEnabled: ft.IsTracingEnabled(),
		Collecting:     s.c.IsCollecting(),
		DrainPeriodMs:  s.c.DrainPeriod().Milliseconds(),
		NumCPU:         ft.NumCPU(),
		NumSinks:       len(s.c.Sinks()),
		NumEvents:      len(s.c.Table().Events()),
	})
}

func (s *Server) handleSinks(w http.ResponseWriter, req *http.Request) {
	sendStruct(w, s.c.Sinks())
}

func eventInfo(e *ftrace.Event, withFields bool) EventInfo {
	info := EventInfo{
		ID:    e.FtraceEventID,
		Group: e.Group,
		Name:  e.Name,
		Size:  e.Size,
	}
	if !withFields {
		return info
	}
	for _, f := range e.Fields {
		info.Fields = append(info.Fields, FieldInfo{
			Name:     f.FtraceName,
			Offset:   f.FtraceOffset,
			Size:     f.FtraceSize,
			Type:     f.FtraceType.String(),
			Proto:    f.ProtoFieldType.String(),
			ProtoID:  f.ProtoFieldID,
			Strategy: int(f.Strategy),
		})
	}
	return info
}

func (s *Server) handleEvents(w http.ResponseWriter, req *http.Request) {
	table := s.c.Table()
	table.RLock()
	events := table.Events()
	infos := make([]EventInfo, 0, len(events))
	for _, e := range events {
		infos = append(infos, eventInfo(e, false))
	}
	table.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Group != infos[j].Group {
			return infos[i].Group < infos[j].Group
		}
		return infos[i].Name < infos[j].Name
	})
	sendStruct(w, infos)
}

func (s *Server) handleEvent(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	gn := ftrace.GroupAndName{Group: vars["group"], Name: vars["name"]}

	table := s.c.Table()
	table.RLock()
	e := table.Event(gn)
	var info EventInfo
	if e != nil {
		info = eventInfo(e, true)
	}
	table.RUnlock()

	if e == nil {
		sendError(w, status.Errorf(codes.NotFound, "unknown event %s", gn))
		return
	}
	sendStruct(w, info)
}

func (s *Server) handleToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		name := vars["group"] + "/" + vars["name"]

		var err error
		if enable {
			err = s.c.EnableEvent(name)
		} else {
			err = s.c.DisableEvent(name)
		}
		if err != nil {
			sendError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, req *http.Request) {
	stats, err := s.c.CPUStats()
	if err != nil {
		sendError(w, err)
		return
	}
	sendStruct(w, stats)
}

func (s *Server) handleCPUStats(w http.ResponseWriter, req *http.Request) {
	cpu, err := strconv.Atoi(mux.Vars(req)["cpu"])
	if err != nil || cpu >= s.c.Ftrace().NumCPU() {
		sendError(w, status.Errorf(codes.NotFound, "no cpu %s", mux.Vars(req)["cpu"]))
		return
	}
	stats, err := s.c.Ftrace().ReadCPUStats(cpu)
	if err != nil {
		sendError(w, err)
		return
	}
	sendStruct(w, stats)
}

func (s *Server) handleMarker(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxMarkerLength+1))
	if err != nil {
		sendError(w, status.Errorf(codes.InvalidArgument, "error reading body: %v", err))
		return
	}
	if len(body) == 0 || len(body) > maxMarkerLength {
		sendError(w, status.Errorf(codes.InvalidArgument,
			"marker must be 1 to %d bytes", maxMarkerLength))
		return
	}
	if err := s.c.WriteTraceMarker(string(body)); err != nil {
		sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, req *http.Request) {
	if err := s.c.ClearTrace(); err != nil {
		sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, req *http.Request) {
	if err := s.c.HardReset(); err != nil {
		sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddKprobe(w http.ResponseWriter, req *http.Request) {
	var kr KprobeRequest
	if err := json.NewDecoder(req.Body).Decode(&kr); err != nil {
		sendError(w, status.Errorf(codes.InvalidArgument,
			"failed to unmarshal request JSON: %v", err))
		return
	}
	if kr.Address == "" {
		sendError(w, status.Error(codes.InvalidArgument, "address is required"))
		return
	}

	e, err := s.c.AddKprobe(kr.Name, kr.Address, kr.OnReturn, kr.Fetchargs)
	if err != nil {
		sendError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/events/%s/%s", e.Group, e.Name))
	sendStructWithCode(w, http.StatusCreated, eventInfo(e, true))
}

func (s *Server) handleRemoveKprobe(w http.ResponseWriter, req *http.Request) {
	if err := s.c.RemoveKprobe(mux.Vars(req)["name"]); err != nil {
		sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
