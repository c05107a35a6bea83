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

// Package format parses the self-describing text files the kernel publishes
// under the tracing root: per-event "format" files and "header_page".
package format

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
)

// Field is a single field declaration from a format file, e.g.
//
//	field:char prev_comm[16];	offset:8;	size:16;	signed:1;
type Field struct {
	// TypeAndName is the raw C-like declaration, "char prev_comm[16]".
	TypeAndName string
	// Name is the field name extracted from TypeAndName, "prev_comm".
	Name string
	// Offset is the byte offset of the field from the start of the record.
	Offset int
	// Size is the number of bytes the field occupies in the record.
	Size int
	// IsSigned is true if the kernel reports the field as signed.
	IsSigned bool
}

// Format is the parsed contents of events/<group>/<name>/format.
type Format struct {
	Name         string
	ID           uint32
	CommonFields []Field
	Fields       []Field
}

const commonFieldPrefix = "common_"

// NameFromTypeAndName extracts the field name from a declaration such as
// "unsigned long args[6]" or "const char * name".
func NameFromTypeAndName(typeAndName string) string {
	s := strings.TrimSpace(typeAndName)
	if strings.HasSuffix(s, "]") {
		if x := strings.LastIndex(s, "["); x != -1 {
			s = strings.TrimSpace(s[:x])
		}
	}
	x := strings.LastIndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '*'
	})
	if x == -1 {
		return ""
	}
	return s[x+1:]
}

// ParseField parses one "field:...; offset:...; size:...; signed:...;" line.
func ParseField(line string) (field Field, err error) {
	var haveField, haveOffset, haveSize bool

	parts := strings.Split(strings.TrimSpace(line), ";")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			err = fmt.Errorf("Malformed format field %q", part)
			return
		}

		value := strings.TrimSpace(kv[1])
		switch strings.TrimSpace(kv[0]) {
		case "field":
			field.TypeAndName = value
			haveField = true
		case "offset":
			field.Offset, err = strconv.Atoi(value)
			haveOffset = true
		case "size":
			field.Size, err = strconv.Atoi(value)
			haveSize = true
		case "signed":
			field.IsSigned, err = strconv.ParseBool(value)
		}
		if err != nil {
			return
		}
	}

	if !haveField || !haveOffset || !haveSize {
		err = fmt.Errorf("Incomplete format field %q", line)
		return
	}
	if field.Offset < 0 || field.Size < 0 {
		err = fmt.Errorf("Negative offset or size in %q", line)
		return
	}

	field.Name = NameFromTypeAndName(field.TypeAndName)
	if field.Name == "" {
		err = errors.New("Found type name without field name")
	}
	return
}

// Parse reads an event format file.
func Parse(reader io.Reader) (Format, error) {
	var (
		format             Format
		inFormat, sawID    bool
		sawFormatDirective bool
	)

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		rawLine := scanner.Text()
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}

		switch {
		case inFormat && unicode.IsSpace(rune(rawLine[0])):
			field, err := ParseField(line)
			if err != nil {
				return Format{}, err
			}
			if strings.HasPrefix(field.Name, commonFieldPrefix) {
				format.CommonFields = append(format.CommonFields, field)
			} else {
				format.Fields = append(format.Fields, field)
			}
		case strings.HasPrefix(line, "name:"):
			inFormat = false
			format.Name = strings.TrimSpace(line[5:])
		case strings.HasPrefix(line, "ID:"):
			inFormat = false
			value, err := strconv.ParseUint(strings.TrimSpace(line[3:]), 10, 32)
			if err != nil {
				return Format{}, fmt.Errorf("Couldn't parse trace event ID: %w", err)
			}
			format.ID = uint32(value)
			sawID = true
		case strings.HasPrefix(line, "format:"):
			inFormat = true
			sawFormatDirective = true
		default:
			// "print fmt:" and anything else after the field list
			inFormat = false
		}
	}
	if err := scanner.Err(); err != nil {
		return Format{}, err
	}

	if !sawID {
		return Format{}, errors.New("Missing ID in event format")
	}
	if !sawFormatDirective {
		return Format{}, errors.New("Missing format section in event format")
	}
	return format, nil
}

// ParseString is Parse over an in-memory format file.
func ParseString(s string) (Format, error) {
	return Parse(strings.NewReader(s))
}

// ParseHeaderPage reads the field list of events/header_page. The file has
// no name, ID or format directive; every line is a field declaration.
func ParseHeaderPage(reader io.Reader) ([]Field, error) {
	var fields []Field

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "field:") {
			continue
		}
		field, err := ParseField(line)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, errors.New("No fields in header_page")
	}
	return fields, nil
}
