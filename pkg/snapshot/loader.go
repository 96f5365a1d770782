// Copyright 2018 The gVisor Authors.
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

package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/isabella232/vmill/pkg/memory"
	"github.com/isabella232/vmill/pkg/pc"
)

// magic identifies the <workspace>/snapshot message framing. Unlike the
// code-cache index (pkg/codecache), which tolerates a short final
// record, a malformed or truncated snapshot is fatal at load time (spec
// section 7), so the loader here never silently stops early.
var magic = [8]byte{'v', 'm', 's', 'n', 'a', 'p', '1', '\n'}

const (
	flagReadable   = 1 << 0
	flagWritable   = 1 << 1
	flagExecutable = 1 << 2
)

// Load reads <workspace>/snapshot, per spec.md section 6.
func Load(workspaceDir string) (*Snapshot, error) {
	f, err := os.Open(filepath.Join(workspaceDir, "snapshot"))
	if err != nil {
		return nil, ErrSnapshotInconsistent{Reason: err.Error()}
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var gotMagic [8]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil {
		return nil, ErrSnapshotInconsistent{Reason: fmt.Sprintf("reading magic: %v", err)}
	}
	if gotMagic != magic {
		return nil, ErrSnapshotInconsistent{Reason: "bad magic"}
	}

	numSpaces, err := readUint32(r)
	if err != nil {
		return nil, ErrSnapshotInconsistent{Reason: fmt.Sprintf("reading address-space count: %v", err)}
	}

	s := &Snapshot{}
	for i := uint32(0); i < numSpaces; i++ {
		desc, err := readAddressSpace(r)
		if err != nil {
			return nil, ErrSnapshotInconsistent{Reason: fmt.Sprintf("address space %d: %v", i, err)}
		}
		s.AddressSpaces = append(s.AddressSpaces, desc)
	}

	numTasks, err := readUint32(r)
	if err != nil {
		return nil, ErrSnapshotInconsistent{Reason: fmt.Sprintf("reading task count: %v", err)}
	}
	for i := uint32(0); i < numTasks; i++ {
		td, err := readTask(r)
		if err != nil {
			return nil, ErrSnapshotInconsistent{Reason: fmt.Sprintf("task %d: %v", i, err)}
		}
		s.Tasks = append(s.Tasks, td)
	}

	return s, nil
}

func readAddressSpace(r *bufio.Reader) (AddressSpaceDescriptor, error) {
	var desc AddressSpaceDescriptor

	id, err := readUint64(r)
	if err != nil {
		return desc, err
	}
	desc.ID = id

	hasParent, err := r.ReadByte()
	if err != nil {
		return desc, err
	}
	if hasParent != 0 {
		parentID, err := readUint64(r)
		if err != nil {
			return desc, err
		}
		desc.HasParent = true
		desc.ParentID = parentID
	}

	numRanges, err := readUint32(r)
	if err != nil {
		return desc, err
	}
	for i := uint32(0); i < numRanges; i++ {
		rd, err := readRange(r)
		if err != nil {
			return desc, fmt.Errorf("range %d: %w", i, err)
		}
		desc.Ranges = append(desc.Ranges, rd)
	}
	return desc, nil
}

func readRange(r *bufio.Reader) (PageRangeDescriptor, error) {
	var rd PageRangeDescriptor

	base, err := readUint64(r)
	if err != nil {
		return rd, err
	}
	limit, err := readUint64(r)
	if err != nil {
		return rd, err
	}
	if limit < base {
		return rd, fmt.Errorf("limit %#x < base %#x", limit, base)
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return rd, err
	}
	flags, err := r.ReadByte()
	if err != nil {
		return rd, err
	}
	name, err := readString(r)
	if err != nil {
		return rd, err
	}
	filePath, err := readString(r)
	if err != nil {
		return rd, err
	}
	fileOffset, err := readUint64(r)
	if err != nil {
		return rd, err
	}

	rd = PageRangeDescriptor{
		Base:       base,
		Limit:      limit,
		Kind:       memory.Kind(kindByte),
		Readable:   flags&flagReadable != 0,
		Writable:   flags&flagWritable != 0,
		Executable: flags&flagExecutable != 0,
		Name:       name,
		FilePath:   filePath,
		FileOffset: fileOffset,
	}
	return rd, nil
}

func readTask(r *bufio.Reader) (TaskDescriptor, error) {
	var td TaskDescriptor

	asID, err := readUint64(r)
	if err != nil {
		return td, err
	}
	p, err := readUint64(r)
	if err != nil {
		return td, err
	}
	stateLen, err := readUint32(r)
	if err != nil {
		return td, err
	}
	state := make([]byte, stateLen)
	if _, err := io.ReadFull(r, state); err != nil {
		return td, err
	}

	td = TaskDescriptor{AddressSpaceID: asID, PC: pc.PC(p), RegisterState: state}
	return td, nil
}

func readString(r *bufio.Reader) (string, error) {
	n, err := readUint16(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
