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

// Output tags of the statically described events.
const (
	PrintProtoFieldID              = 3
	SchedSwitchProtoFieldID        = 4
	CPUFrequencyProtoFieldID       = 11
	CPUIdleProtoFieldID            = 12
	SchedWakeupProtoFieldID        = 18
	SchedBlockedReasonProtoFieldID = 19
	SchedWakingProtoFieldID        = 20
	SchedProcessExecProtoFieldID   = 21
	SchedProcessForkProtoFieldID   = 22
	SchedProcessExitProtoFieldID   = 23
	TaskNewtaskProtoFieldID        = 24
	TaskRenameProtoFieldID         = 25
	SysEnterProtoFieldID           = 26
	SysExitProtoFieldID            = 27
	IrqHandlerEntryProtoFieldID    = 28
	IrqHandlerExitProtoFieldID     = 29
	Ext4SyncFileEnterProtoFieldID  = 30
)

// CommonFlagsProtoFieldID is the output tag of common_flags.
const CommonFlagsProtoFieldID = 5

func field(name string, id uint32, protoType ProtoFieldType) Field {
	return Field{
		FtraceName:     name,
		ProtoFieldID:   id,
		ProtoFieldType: protoType,
	}
}

func symbolField(name string, id uint32) Field {
	f := field(name, id, ProtoUint64)
	f.Symbolize = true
	return f
}

// StaticEventInfo describes the events that can be translated without
// reading anything from the kernel beyond their format files. Layout is
// filled in by Create.
func StaticEventInfo() []Event {
	return []Event{
		{
			Name:         "print",
			Group:        "ftrace",
			ProtoFieldID: PrintProtoFieldID,
			Fields: []Field{
				field("ip", 1, ProtoUint64),
				field("buf", 2, ProtoString),
			},
		},
		{
			Name:         "sched_switch",
			Group:        "sched",
			ProtoFieldID: SchedSwitchProtoFieldID,
			Fields: []Field{
				field("prev_comm", 1, ProtoString),
				field("prev_pid", 2, ProtoInt32),
				field("prev_prio", 3, ProtoInt32),
				field("prev_state", 4, ProtoInt64),
				field("next_comm", 5, ProtoString),
				field("next_pid", 6, ProtoInt32),
				field("next_prio", 7, ProtoInt32),
			},
		},
		{
			Name:         "sched_wakeup",
			Group:        "sched",
			ProtoFieldID: SchedWakeupProtoFieldID,
			Fields: []Field{
				field("comm", 1, ProtoString),
				field("pid", 2, ProtoInt32),
				field("prio", 3, ProtoInt32),
				field("success", 4, ProtoInt32),
				field("target_cpu", 5, ProtoInt32),
			},
		},
		{
			Name:         "sched_waking",
			Group:        "sched",
			ProtoFieldID: SchedWakingProtoFieldID,
			Fields: []Field{
				field("comm", 1, ProtoString),
				field("pid", 2, ProtoInt32),
				field("prio", 3, ProtoInt32),
				field("success", 4, ProtoInt32),
				field("target_cpu", 5, ProtoInt32),
			},
		},
		{
			Name:         "sched_blocked_reason",
			Group:        "sched",
			ProtoFieldID: SchedBlockedReasonProtoFieldID,
			Fields: []Field{
				field("pid", 1, ProtoInt32),
				symbolField("caller", 2),
				field("io_wait", 3, ProtoUint32),
			},
		},
		{
			Name:         "sched_process_exec",
			Group:        "sched",
			ProtoFieldID: SchedProcessExecProtoFieldID,
			Fields: []Field{
				field("filename", 1, ProtoString),
				field("pid", 2, ProtoInt32),
				field("old_pid", 3, ProtoInt32),
			},
		},
		{
			Name:         "sched_process_fork",
			Group:        "sched",
			ProtoFieldID: SchedProcessForkProtoFieldID,
			Fields: []Field{
				field("parent_comm", 1, ProtoString),
				field("parent_pid", 2, ProtoInt32),
				field("child_comm", 3, ProtoString),
				field("child_pid", 4, ProtoInt32),
			},
		},
		{
			Name:         "sched_process_exit",
			Group:        "sched",
			ProtoFieldID: SchedProcessExitProtoFieldID,
			Fields: []Field{
				field("comm", 1, ProtoString),
				field("pid", 2, ProtoInt32),
				field("prio", 3, ProtoInt32),
			},
		},
		{
			Name:         "cpu_frequency",
			Group:        "power",
			ProtoFieldID: CPUFrequencyProtoFieldID,
			Fields: []Field{
				field("state", 1, ProtoUint32),
				field("cpu_id", 2, ProtoUint32),
			},
		},
		{
			Name:         "cpu_idle",
			Group:        "power",
			ProtoFieldID: CPUIdleProtoFieldID,
			Fields: []Field{
				field("state", 1, ProtoUint32),
				field("cpu_id", 2, ProtoUint32),
			},
		},
		{
			Name:         "task_newtask",
			Group:        "task",
			ProtoFieldID: TaskNewtaskProtoFieldID,
			Fields: []Field{
				field("pid", 1, ProtoInt32),
				field("comm", 2, ProtoString),
				field("clone_flags", 3, ProtoUint64),
				field("oom_score_adj", 4, ProtoInt32),
			},
		},
		{
			Name:         "task_rename",
			Group:        "task",
			ProtoFieldID: TaskRenameProtoFieldID,
			Fields: []Field{
				field("pid", 1, ProtoInt32),
				field("oldcomm", 2, ProtoString),
				field("newcomm", 3, ProtoString),
				field("oom_score_adj", 4, ProtoInt32),
			},
		},
		{
			Name:         "sys_enter",
			Group:        "raw_syscalls",
			ProtoFieldID: SysEnterProtoFieldID,
			Fields: []Field{
				field("id", 1, ProtoInt64),
				field("args", 2, ProtoUint64),
			},
		},
		{
			Name:         "sys_exit",
			Group:        "raw_syscalls",
			ProtoFieldID: SysExitProtoFieldID,
			Fields: []Field{
				field("id", 1, ProtoInt64),
				field("ret", 2, ProtoInt64),
			},
		},
		{
			Name:         "irq_handler_entry",
			Group:        "irq",
			ProtoFieldID: IrqHandlerEntryProtoFieldID,
			Fields: []Field{
				field("irq", 1, ProtoInt32),
				field("name", 2, ProtoString),
			},
		},
		{
			Name:         "irq_handler_exit",
			Group:        "irq",
			ProtoFieldID: IrqHandlerExitProtoFieldID,
			Fields: []Field{
				field("irq", 1, ProtoInt32),
				field("ret", 2, ProtoInt32),
			},
		},
		{
			Name:         "ext4_sync_file_enter",
			Group:        "ext4",
			ProtoFieldID: Ext4SyncFileEnterProtoFieldID,
			Fields: []Field{
				field("dev", 1, ProtoUint64),
				field("ino", 2, ProtoUint64),
				field("parent", 3, ProtoUint64),
				field("datasync", 4, ProtoInt32),
			},
		},
	}
}

// StaticCommonFieldsInfo describes the fields every record carries that are
// translated onto the event itself. The pid is handled separately.
func StaticCommonFieldsInfo() []Field {
	return []Field{
		field("common_flags", CommonFlagsProtoFieldID, ProtoUint32),
	}
}
