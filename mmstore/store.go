// Package mmstore is a small memory-mapped key/value store with atomic
// single-writer transactions, plus a benchmark backend built on it.
//
// File layout:
//
//	page 0   meta[0] meta[1]
//	slot 0   table written by even transactions
//	slot 1   table written by odd transactions
//
// A commit writes the whole table into the slot of its transaction id, then
// writes the matching meta record. Both meta records and tables carry crc32
// checksums. Readers take the newest valid meta, copy its table, and verify
// both checksum and meta again after the copy, so a reader never returns a
// table that a concurrent commit was overwriting.
package mmstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

const (
	pageSize       = 4096
	metaSize       = 40
	magic          = 0x4d435049 // "IPCM"
	formatVersion  = 1
	DefaultMapSize = 1 << 30

	// snapshot attempts before View gives up on a writer that keeps
	// overwriting the slot being copied
	maxSnapshotAttempts = 64
)

var (
	ErrReadOnly     = errors.New("mmstore: store opened read-only")
	ErrNotWritable  = errors.New("mmstore: transaction is read-only")
	ErrMapFull      = errors.New("mmstore: table does not fit in map")
	ErrInvalid      = errors.New("mmstore: no valid meta record")
	ErrMapSize      = errors.New("mmstore: existing store has a different map size")
	ErrSnapshot     = errors.New("mmstore: could not take a consistent snapshot")
	ErrCorruptTable = errors.New("mmstore: malformed table")
)

type Options struct {
	// MapSize is the fixed file and mapping size. The file is sparse.
	MapSize  int
	ReadOnly bool
	// Sync flushes the mapping after every commit.
	Sync bool
}

type meta struct {
	txid     uint64
	slot     uint32
	length   uint32
	checksum uint32
	mapSize  uint64
}

func (m meta) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], magic)
	binary.LittleEndian.PutUint32(b[4:], formatVersion)
	binary.LittleEndian.PutUint64(b[8:], m.txid)
	binary.LittleEndian.PutUint32(b[16:], m.slot)
	binary.LittleEndian.PutUint32(b[20:], m.length)
	binary.LittleEndian.PutUint32(b[24:], m.checksum)
	binary.LittleEndian.PutUint64(b[28:], m.mapSize)
	binary.LittleEndian.PutUint32(b[36:], crc32.ChecksumIEEE(b[:36]))
}

func decodeMeta(b []byte) (meta, bool) {
	if binary.LittleEndian.Uint32(b[0:]) != magic ||
		binary.LittleEndian.Uint32(b[4:]) != formatVersion ||
		binary.LittleEndian.Uint32(b[36:]) != crc32.ChecksumIEEE(b[:36]) {
		return meta{}, false
	}
	return meta{
		txid:     binary.LittleEndian.Uint64(b[8:]),
		slot:     binary.LittleEndian.Uint32(b[16:]),
		length:   binary.LittleEndian.Uint32(b[20:]),
		checksum: binary.LittleEndian.Uint32(b[24:]),
		mapSize:  binary.LittleEndian.Uint64(b[28:]),
	}, true
}

type Store struct {
	path     string
	file     *os.File
	mem      []byte
	readOnly bool
	sync     bool
	slotSize int
	txid     uint64
}

// Open maps the store at path. A writable open creates the file when it
// does not exist and reuses an existing one only if it holds a valid meta
// record of the same map size. A read-only open requires an initialized
// store.
func Open(path string, opts Options) (*Store, error) {
	if opts.MapSize == 0 {
		opts.MapSize = DefaultMapSize
	}
	if opts.MapSize < 3*pageSize {
		return nil, fmt.Errorf("mmstore: map size %d too small", opts.MapSize)
	}

	flags, prot := os.O_RDWR|os.O_CREATE, unix.PROT_READ|unix.PROT_WRITE
	if opts.ReadOnly {
		flags, prot = os.O_RDONLY, unix.PROT_READ
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	fresh := info.Size() == 0
	switch {
	case fresh && opts.ReadOnly:
		file.Close()
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalid, path)
	case fresh:
		if err := file.Truncate(int64(opts.MapSize)); err != nil {
			file.Close()
			return nil, err
		}
	case opts.ReadOnly:
		opts.MapSize = int(info.Size())
	case info.Size() != int64(opts.MapSize):
		file.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrMapSize, path, info.Size(), opts.MapSize)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, opts.MapSize, prot, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, err
	}

	s := &Store{
		path:     path,
		file:     file,
		mem:      mem,
		readOnly: opts.ReadOnly,
		sync:     opts.Sync,
		slotSize: ((opts.MapSize - pageSize) / 2) &^ (pageSize - 1),
	}

	if fresh {
		// txid 0 is an empty table, so an initialized store always has a
		// valid meta record
		if err := s.commit(0, nil); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}

	m, ok := s.current()
	if !ok {
		s.Close()
		return nil, fmt.Errorf("%w: %s", ErrInvalid, path)
	}
	if m.mapSize != uint64(opts.MapSize) {
		s.Close()
		return nil, fmt.Errorf("%w: meta says %d, file is %d", ErrMapSize, m.mapSize, opts.MapSize)
	}
	s.txid = m.txid
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) metaBytes(i uint32) []byte {
	off := int(i) * metaSize
	return s.mem[off : off+metaSize]
}

func (s *Store) slotBytes(i uint32) []byte {
	off := pageSize + int(i)*s.slotSize
	return s.mem[off : off+s.slotSize]
}

// current returns the newest valid meta record.
func (s *Store) current() (meta, bool) {
	m0, ok0 := decodeMeta(s.metaBytes(0))
	m1, ok1 := decodeMeta(s.metaBytes(1))
	switch {
	case ok0 && ok1:
		if m1.txid > m0.txid {
			return m1, true
		}
		return m0, true
	case ok0:
		return m0, true
	case ok1:
		return m1, true
	}
	return meta{}, false
}

func (s *Store) commit(txid uint64, table []byte) error {
	if len(table) > s.slotSize {
		return fmt.Errorf("%w: %d bytes, slot holds %d", ErrMapFull, len(table), s.slotSize)
	}
	slot := uint32(txid % 2)

	// invalidate the meta first so no new reader picks the slot mid-copy
	clear(s.metaBytes(slot))
	copy(s.slotBytes(slot), table)
	meta{
		txid:     txid,
		slot:     slot,
		length:   uint32(len(table)),
		checksum: crc32.ChecksumIEEE(table),
		mapSize:  uint64(len(s.mem)),
	}.encode(s.metaBytes(slot))

	if s.sync {
		if err := unix.Msync(s.mem, unix.MS_SYNC); err != nil {
			return err
		}
	}
	s.txid = txid
	return nil
}

// snapshot copies the newest committed table.
func (s *Store) snapshot() (map[string][]byte, uint64, error) {
	for attempt := 0; attempt < maxSnapshotAttempts; attempt++ {
		m, ok := s.current()
		if !ok {
			continue
		}
		if int(m.length) > s.slotSize {
			return nil, 0, fmt.Errorf("%w: length %d", ErrCorruptTable, m.length)
		}
		data := make([]byte, m.length)
		copy(data, s.slotBytes(m.slot))
		if crc32.ChecksumIEEE(data) != m.checksum {
			continue
		}
		again, ok := decodeMeta(s.metaBytes(m.slot))
		if !ok || again.txid != m.txid {
			continue
		}
		table, err := decodeTable(data)
		if err != nil {
			return nil, 0, err
		}
		return table, m.txid, nil
	}
	return nil, 0, ErrSnapshot
}

// Update runs fn in a write transaction. The transaction commits atomically
// when fn returns nil and leaves no trace otherwise.
func (s *Store) Update(fn func(*Tx) error) error {
	if s.readOnly {
		return ErrReadOnly
	}
	table, _, err := s.snapshot()
	if err != nil {
		return err
	}
	tx := &Tx{table: table, writable: true}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(s.txid+1, encodeTable(tx.table))
}

// View runs fn against a consistent snapshot.
func (s *Store) View(fn func(*Tx) error) error {
	table, txid, err := s.snapshot()
	if err != nil {
		return err
	}
	return fn(&Tx{table: table, txid: txid})
}

type Stats struct {
	TxID     uint64
	MapSize  int
	SlotSize int
}

func (s *Store) Stats() Stats {
	st := Stats{MapSize: len(s.mem), SlotSize: s.slotSize}
	if m, ok := s.current(); ok {
		st.TxID = m.txid
	}
	return st
}

func (s *Store) Sync() error {
	if s.readOnly {
		return nil
	}
	return unix.Msync(s.mem, unix.MS_SYNC)
}

func (s *Store) Close() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return errors.Join(err, s.file.Close())
}

type Tx struct {
	table    map[string][]byte
	writable bool
	txid     uint64
}

// Get returns the value stored under key, or nil. The slice belongs to the
// transaction's private copy of the table.
func (tx *Tx) Get(key []byte) []byte {
	return tx.table[string(key)]
}

func (tx *Tx) Put(key, value []byte) error {
	if !tx.writable {
		return ErrNotWritable
	}
	tx.table[string(key)] = append([]byte(nil), value...)
	return nil
}

func (tx *Tx) Delete(key []byte) error {
	if !tx.writable {
		return ErrNotWritable
	}
	delete(tx.table, string(key))
	return nil
}

// ID is the id of the snapshot a read transaction observes.
func (tx *Tx) ID() uint64 {
	return tx.txid
}

// table encoding: u32 count, then per entry u32 klen, key, u32 vlen, value;
// keys sorted

func encodeTable(table map[string][]byte) []byte {
	keys := make([]string, 0, len(table))
	size := 4
	for k, v := range table {
		keys = append(keys, k)
		size += 8 + len(k) + len(v)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		v := table[k]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	return buf
}

func decodeTable(data []byte) (map[string][]byte, error) {
	table := make(map[string][]byte)
	if len(data) == 0 {
		return table, nil
	}
	next := func() ([]byte, error) {
		if len(data) < 4 {
			return nil, ErrCorruptTable
		}
		n := binary.LittleEndian.Uint32(data)
		data = data[4:]
		if uint64(n) > uint64(len(data)) {
			return nil, ErrCorruptTable
		}
		field := data[:n:n]
		data = data[n:]
		return field, nil
	}
	if len(data) < 4 {
		return nil, ErrCorruptTable
	}
	count := binary.LittleEndian.Uint32(data)
	data = data[4:]
	for i := uint32(0); i < count; i++ {
		k, err := next()
		if err != nil {
			return nil, err
		}
		v, err := next()
		if err != nil {
			return nil, err
		}
		table[string(k)] = v
	}
	if len(data) != 0 {
		return nil, ErrCorruptTable
	}
	return table, nil
}
