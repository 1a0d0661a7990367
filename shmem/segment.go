package shmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/reusee/ipcbench"
	"golang.org/x/sys/unix"
)

const (
	HeaderSize  = 8
	DefaultSize = 100 * (1 << 20)

	lengthOffset  = 0
	versionOffset = 4
)

var (
	ErrSizeMismatch = errors.New("shmem: existing segment has a different size")
	ErrCorrupt      = errors.New("shmem: header length exceeds capacity")
)

// Segment is a fixed-size shared memory region laid out as
//
//	[u32 payload length][u32 version][payload ...]
//
// One writer publishes, any number of readers copy out. The header is
// written last on publish and read first on fetch, with plain stores and
// loads: there is no fence between a writer's publish and a concurrent
// reader's copy, so a read that overlaps a write can observe a torn payload.
// Readers are at most eventually consistent, not linearizable.
type Segment struct {
	path     string
	osFile   *os.File
	isWriter bool
	mem      []byte
	reused   bool
}

// Create makes the segment at path, or reuses a stale one of the same size
// left by an earlier run. A reused segment has its header reset.
func Create(path string, size int) (*Segment, error) {
	if size <= HeaderSize {
		return nil, fmt.Errorf("shmem: segment size %d too small", size)
	}

	reused := false
	osFile, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if errors.Is(err, fs.ErrExist) {
		osFile, err = os.OpenFile(path, os.O_RDWR, 0644)
		reused = true
	}
	if err != nil {
		return nil, err
	}

	if reused {
		info, err := osFile.Stat()
		if err != nil {
			osFile.Close()
			return nil, err
		}
		if info.Size() != int64(size) {
			osFile.Close()
			return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrSizeMismatch, path, info.Size(), size)
		}
	} else if err := osFile.Truncate(int64(size)); err != nil {
		return nil, errors.Join(err, osFile.Close(), os.Remove(path))
	}

	mem, err := unix.Mmap(
		int(osFile.Fd()),
		0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		if reused {
			return nil, errors.Join(err, osFile.Close())
		}
		return nil, errors.Join(err, osFile.Close(), os.Remove(path))
	}

	s := &Segment{
		path:     path,
		osFile:   osFile,
		isWriter: true,
		mem:      mem,
		reused:   reused,
	}
	s.putHeader(0, 0)
	return s, nil
}

// Attach maps an existing segment read-only.
func Attach(path string) (*Segment, error) {
	osFile, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	info, err := osFile.Stat()
	if err != nil {
		osFile.Close()
		return nil, err
	}
	if info.Size() <= HeaderSize {
		osFile.Close()
		return nil, fmt.Errorf("shmem: segment %s too small: %d bytes", path, info.Size())
	}
	mem, err := unix.Mmap(
		int(osFile.Fd()),
		0,
		int(info.Size()),
		unix.PROT_READ,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, errors.Join(err, osFile.Close())
	}
	return &Segment{
		path:   path,
		osFile: osFile,
		mem:    mem,
	}, nil
}

func (s *Segment) Path() string {
	return s.path
}

func (s *Segment) Reused() bool {
	return s.reused
}

// Capacity is the largest payload the segment accepts.
func (s *Segment) Capacity() int {
	return len(s.mem) - HeaderSize
}

func (s *Segment) Header() (length, version uint32) {
	length = binary.NativeEndian.Uint32(s.mem[lengthOffset:])
	version = binary.NativeEndian.Uint32(s.mem[versionOffset:])
	return
}

func (s *Segment) putHeader(length, version uint32) {
	binary.NativeEndian.PutUint32(s.mem[lengthOffset:], length)
	binary.NativeEndian.PutUint32(s.mem[versionOffset:], version)
}

// Write copies payload into the data area, then publishes (len, version+1).
// An oversized payload is rejected before anything is touched.
func (s *Segment) Write(payload []byte) error {
	if !s.isWriter {
		return ipcbench.ErrRoleViolation
	}
	if len(payload) > s.Capacity() {
		return fmt.Errorf("%w: %d bytes, capacity %d", ipcbench.ErrCapacityExceeded, len(payload), s.Capacity())
	}
	_, version := s.Header()
	copy(s.mem[HeaderSize:], payload)
	s.putHeader(uint32(len(payload)), version+1)
	return nil
}

// Read copies out the current payload and the version it was published
// under. A zero length means nothing has been published.
func (s *Segment) Read() ([]byte, uint32, error) {
	length, version := s.Header()
	if length == 0 {
		return nil, version, nil
	}
	if int64(length) > int64(s.Capacity()) {
		return nil, version, fmt.Errorf("%w: %d > %d", ErrCorrupt, length, s.Capacity())
	}
	out := make([]byte, length)
	copy(out, s.mem[HeaderSize:HeaderSize+int(length)])
	return out, version, nil
}

// Close unmaps the region. The writer also unlinks it; readers never do,
// other readers may still be attached.
func (s *Segment) Close() error {
	err := unix.Munmap(s.mem)
	s.mem = nil
	if s.isWriter {
		return errors.Join(
			err,
			s.osFile.Close(),
			os.Remove(s.path),
		)
	}
	return errors.Join(err, s.osFile.Close())
}
