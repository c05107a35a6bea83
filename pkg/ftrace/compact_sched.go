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

package ftrace

import "github.com/golang/glog"

// CommLength is the size of a kernel task comm buffer.
const CommLength = 16

// CompactSchedSwitchFormat holds the validated layout of sched_switch.
type CompactSchedSwitchFormat struct {
	EventID uint32
	Size    uint16

	NextPidOffset   uint16
	NextPrioOffset  uint16
	NextCommOffset  uint16
	PrevStateOffset uint16
	PrevStateType   FtraceFieldType
}

// CompactSchedWakingFormat holds the validated layout of sched_waking.
type CompactSchedWakingFormat struct {
	EventID uint32
	Size    uint16

	PidOffset       uint16
	TargetCPUOffset uint16
	PrioOffset      uint16
	CommOffset      uint16
}

// CompactSchedFormat is the result of checking whether the kernel's
// sched_switch and sched_waking layouts can be encoded compactly. If either
// event is missing or differs from the expected layout, FormatValid is false.
type CompactSchedFormat struct {
	FormatValid bool
	SchedSwitch CompactSchedSwitchFormat
	SchedWaking CompactSchedWakingFormat
}

// CompactSchedConfig is the per-sink decision to use the compact encoding.
type CompactSchedConfig struct {
	Enabled bool
}

// DisabledCompactSchedConfig returns a config with compact encoding off.
func DisabledCompactSchedConfig() CompactSchedConfig {
	return CompactSchedConfig{}
}

// CreateCompactSchedConfig enables the compact encoding only when it was
// requested and the kernel's layout supports it.
func CreateCompactSchedConfig(requested bool, format CompactSchedFormat) CompactSchedConfig {
	return CompactSchedConfig{Enabled: requested && format.FormatValid}
}

func validateSchedSwitch(event *Event) (CompactSchedSwitchFormat, bool) {
	f := CompactSchedSwitchFormat{
		EventID: event.FtraceEventID,
		Size:    event.Size,
	}

	var nextPid, nextPrio, nextComm, prevState bool
	for _, field := range event.Fields {
		switch field.FtraceName {
		case "next_pid":
			nextPid = field.FtraceType == FtracePid32 && field.FtraceSize == 4
			f.NextPidOffset = field.FtraceOffset
		case "next_prio":
			nextPrio = field.FtraceType == FtraceInt32 && field.FtraceSize == 4
			f.NextPrioOffset = field.FtraceOffset
		case "next_comm":
			nextComm = field.FtraceType == FtraceFixedCString &&
				field.FtraceSize == CommLength
			f.NextCommOffset = field.FtraceOffset
		case "prev_state":
			prevState = (field.FtraceType == FtraceInt32 && field.FtraceSize == 4) ||
				(field.FtraceType == FtraceInt64 && field.FtraceSize == 8)
			f.PrevStateOffset = field.FtraceOffset
			f.PrevStateType = field.FtraceType
		}
	}

	if !nextPid || !nextPrio || !nextComm || !prevState {
		glog.V(1).Infof("sched_switch layout not suitable for compact encoding")
		return CompactSchedSwitchFormat{}, false
	}
	return f, true
}

func validateSchedWaking(event *Event) (CompactSchedWakingFormat, bool) {
	f := CompactSchedWakingFormat{
		EventID: event.FtraceEventID,
		Size:    event.Size,
	}

	var pid, targetCPU, prio, comm bool
	for _, field := range event.Fields {
		switch field.FtraceName {
		case "pid":
			pid = field.FtraceType == FtracePid32 && field.FtraceSize == 4
			f.PidOffset = field.FtraceOffset
		case "target_cpu":
			targetCPU = field.FtraceType == FtraceInt32 && field.FtraceSize == 4
			f.TargetCPUOffset = field.FtraceOffset
		case "prio":
			prio = field.FtraceType == FtraceInt32 && field.FtraceSize == 4
			f.PrioOffset = field.FtraceOffset
		case "comm":
			comm = field.FtraceType == FtraceFixedCString &&
				field.FtraceSize == CommLength
			f.CommOffset = field.FtraceOffset
		}
	}

	if !pid || !targetCPU || !prio || !comm {
		glog.V(1).Infof("sched_waking layout not suitable for compact encoding")
		return CompactSchedWakingFormat{}, false
	}
	return f, true
}

// ValidateFormatForCompactSched checks the resolved sched_switch and
// sched_waking events for the fields the compact encoding needs.
func ValidateFormatForCompactSched(events []*Event) CompactSchedFormat {
	var (
		switchEvent, wakingEvent *Event
	)
	for _, e := range events {
		if e.Group != "sched" {
			continue
		}
		switch e.Name {
		case "sched_switch":
			switchEvent = e
		case "sched_waking":
			wakingEvent = e
		}
	}
	if switchEvent == nil || wakingEvent == nil {
		return CompactSchedFormat{}
	}

	switchFormat, ok := validateSchedSwitch(switchEvent)
	if !ok {
		return CompactSchedFormat{}
	}
	wakingFormat, ok := validateSchedWaking(wakingEvent)
	if !ok {
		return CompactSchedFormat{}
	}

	return CompactSchedFormat{
		FormatValid: true,
		SchedSwitch: switchFormat,
		SchedWaking: wakingFormat,
	}
}
