// Copyright 2024 The Systrace Authors.
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

// Package procmaps reads the fields of /proc/[pid]/maps and
// /proc/[pid]/status the supervisor needs: VM region bounds and
// protection bits, and the single-letter task state used to recognize
// a tracee is actually stopped before the supervisor acts on it.
package procmaps

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Entry is one line of /proc/[pid]/maps.
type Entry struct {
	Base   uint64
	Size   uint64
	Prot   int32
	Flags  int32
	Offset uint64
	Dev    int32
	Inode  uint64
	File   string
}

// End returns the first address past the mapping.
func (e Entry) End() uint64 { return e.Base + e.Size }

// String renders the entry the way the kernel itself formats a line
// of /proc/[pid]/maps, for log messages that dump the tracee's map.
func (e Entry) String() string {
	head := fmt.Sprintf("%x-%x %s %08x %02x:%02x %d",
		e.Base, e.End(), formatProtFlags(e.Prot, e.Flags), e.Offset,
		(e.Dev>>8)&0xff, e.Dev&0xff, e.Inode)
	pad := 72 - len(head)
	if pad < 1 {
		pad = 1
	}
	return head + strings.Repeat(" ", pad) + e.File
}

func formatProtFlags(prot, flags int32) string {
	var b strings.Builder
	writeOr := func(set bool, c byte) {
		if set {
			b.WriteByte(c)
		} else {
			b.WriteByte('-')
		}
	}
	writeOr(prot&unix.PROT_READ != 0, 'r')
	writeOr(prot&unix.PROT_WRITE != 0, 'w')
	writeOr(prot&unix.PROT_EXEC != 0, 'x')
	switch {
	case flags&unix.MAP_SHARED != 0:
		b.WriteByte('s')
	case flags&unix.MAP_PRIVATE != 0:
		b.WriteByte('p')
	default:
		b.WriteByte('-')
	}
	return b.String()
}

// DecodeMaps reads and parses /proc/[pid]/maps. A line that fails to
// parse is dropped; the remaining entries are still returned.
func DecodeMaps(pid int) ([]Entry, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		e, err := parseMapsLine(scanner.Text())
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// parseMapsLine parses one line of the form:
//
//	7f1234000000-7f1234021000 r-xp 00000000 08:01 131234  /lib/x86_64-linux-gnu/libc.so.6
func parseMapsLine(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Entry{}, fmt.Errorf("procmaps: malformed line %q", line)
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Entry{}, fmt.Errorf("procmaps: malformed address range %q", fields[0])
	}
	base, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("procmaps: bad base address %q: %w", addrs[0], err)
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("procmaps: bad end address %q: %w", addrs[1], err)
	}

	permField := fields[1]
	var prot, flags int32
	if len(permField) >= 4 {
		if permField[0] == 'r' {
			prot |= unix.PROT_READ
		}
		if permField[1] == 'w' {
			prot |= unix.PROT_WRITE
		}
		if permField[2] == 'x' {
			prot |= unix.PROT_EXEC
		}
		switch permField[3] {
		case 'p':
			flags |= unix.MAP_PRIVATE
		case 's':
			flags |= unix.MAP_SHARED
		}
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("procmaps: bad offset %q: %w", fields[2], err)
	}

	devParts := strings.SplitN(fields[3], ":", 2)
	if len(devParts) != 2 {
		return Entry{}, fmt.Errorf("procmaps: malformed dev field %q", fields[3])
	}
	major, err := strconv.ParseInt(devParts[0], 16, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("procmaps: bad dev major %q: %w", devParts[0], err)
	}
	minor, err := strconv.ParseInt(devParts[1], 16, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("procmaps: bad dev minor %q: %w", devParts[1], err)
	}

	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("procmaps: bad inode %q: %w", fields[4], err)
	}

	var file string
	if len(fields) > 5 {
		file = strings.Join(fields[5:], " ")
	}

	return Entry{
		Base:   base,
		Size:   end - base,
		Prot:   prot,
		Flags:  flags,
		Offset: offset,
		Dev:    int32(major)<<8 | int32(minor),
		Inode:  inode,
		File:   file,
	}, nil
}

// TaskState is the single-letter task state reported in
// /proc/[pid]/status, restricted to the states present since Linux
// 3.13 (spec.md doesn't target older kernels).
type TaskState int

const (
	TaskStateUnknown TaskState = iota
	TaskStateRunning
	TaskStateSleepInterruptible
	TaskStateSleepUninterruptible
	TaskStateStopped
	TaskStatePtraced
	TaskStateZombie
	TaskStateDead
)

// ReadTaskState reads the task state of pid from /proc/[pid]/status.
// The state letter is the second field of the third line (the "State:"
// line).
func ReadTaskState(pid int) (TaskState, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return TaskStateUnknown, err
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) < 3 {
		return TaskStateUnknown, fmt.Errorf("procmaps: /proc/%d/status too short", pid)
	}
	fields := strings.Fields(lines[2])
	if len(fields) < 2 {
		return TaskStateUnknown, fmt.Errorf("procmaps: /proc/%d/status malformed state line %q", pid, lines[2])
	}
	switch fields[1] {
	case "R":
		return TaskStateRunning, nil
	case "S":
		return TaskStateSleepInterruptible, nil
	case "D":
		return TaskStateSleepUninterruptible, nil
	case "T":
		return TaskStateStopped, nil
	case "t":
		return TaskStatePtraced, nil
	case "X":
		return TaskStateDead, nil
	case "Z":
		return TaskStateZombie, nil
	default:
		return TaskStateUnknown, fmt.Errorf("procmaps: /proc/%d/status unrecognized state %q", pid, fields[1])
	}
}
