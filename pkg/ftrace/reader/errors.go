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

// Package reader parses raw ftrace ring buffer pages into bundles and runs
// the per-CPU workers that pull pages from the kernel.
package reader

import "errors"

// Parse failures. Any of these aborts the enclosing ParsePage or ParseEvent
// call; the page yields no events.
var (
	// ErrShortRead is returned when a read would run past the end of the
	// page or record, or when the kernel returns less than a full page.
	ErrShortRead = errors.New("short read")

	// ErrPageOverflow is returned when a page header claims more data
	// than fits in the page.
	ErrPageOverflow = errors.New("page data length exceeds page size")

	// ErrPaddingZeroDelta is returned for a padding record with a zero
	// time delta.
	ErrPaddingZeroDelta = errors.New("padding record with zero time delta")

	// ErrExtendedLength is returned for a data record whose length is
	// stored out of line. Such records are not supported.
	ErrExtendedLength = errors.New("extended length data record")

	// ErrUnknownEvent is returned when the table has no event for an id.
	ErrUnknownEvent = errors.New("unknown event id")

	// ErrEventIDMismatch is returned when the id in a record's common
	// header does not match the id used to dispatch it.
	ErrEventIDMismatch = errors.New("event id mismatch")

	// ErrEventTooShort is returned when a record is shorter than the
	// fixed size of its event.
	ErrEventTooShort = errors.New("record shorter than event size")

	// ErrDataLocOverflow is returned when a __data_loc field points
	// outside its record.
	ErrDataLocOverflow = errors.New("__data_loc points outside record")
)
