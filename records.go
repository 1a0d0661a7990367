package ipcbench

import (
	"fmt"
	"iter"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

type Record struct {
	Value   int64   `msgpack:"value"`
	Squared int64   `msgpack:"squared"`
	Text    string  `msgpack:"text"`
	Float   float64 `msgpack:"float"`
}

type Entry struct {
	Key    string
	Record Record
}

// RecordSet is an insertion-ordered, immutable mapping from keys to records.
// The zero value is an empty set.
type RecordSet struct {
	keys    []string
	records map[string]Record
}

var (
	_ msgpack.CustomEncoder = RecordSet{}
	_ msgpack.CustomDecoder = (*RecordSet)(nil)
)

// NewRecordSet builds a set from entries. A repeated key keeps its first
// position and takes the last record.
func NewRecordSet(entries ...Entry) RecordSet {
	s := RecordSet{
		keys:    make([]string, 0, len(entries)),
		records: make(map[string]Record, len(entries)),
	}
	for _, e := range entries {
		s.put(e.Key, e.Record)
	}
	return s
}

// Generate returns the deterministic test set of n entries.
func Generate(n int) RecordSet {
	entries := make([]Entry, 0, max(n, 0))
	for i := 0; i < n; i++ {
		v := int64(i)
		entries = append(entries, Entry{
			Key: fmt.Sprintf("key_%d", i),
			Record: Record{
				Value:   v,
				Squared: v * v,
				Text:    fmt.Sprintf("test_value_%d", i),
				Float:   float64(i) / 3.0,
			},
		})
	}
	return NewRecordSet(entries...)
}

func (s *RecordSet) put(key string, r Record) {
	if _, ok := s.records[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.records[key] = r
}

func (s RecordSet) Len() int {
	return len(s.keys)
}

func (s RecordSet) Keys() []string {
	return slices.Clone(s.keys)
}

func (s RecordSet) Get(key string) (Record, bool) {
	r, ok := s.records[key]
	return r, ok
}

func (s RecordSet) All() iter.Seq2[string, Record] {
	return func(yield func(string, Record) bool) {
		for _, k := range s.keys {
			if !yield(k, s.records[k]) {
				return
			}
		}
	}
}

// Equal compares keys, order and records.
func (s RecordSet) Equal(o RecordSet) bool {
	if !slices.Equal(s.keys, o.keys) {
		return false
	}
	for _, k := range s.keys {
		if s.records[k] != o.records[k] {
			return false
		}
	}
	return true
}

func (s RecordSet) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(s.keys)); err != nil {
		return err
	}
	for _, k := range s.keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.Encode(s.records[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *RecordSet) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if n < 0 {
		n = 0
	}
	s.keys = make([]string, 0, n)
	s.records = make(map[string]Record, n)
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return err
		}
		var r Record
		if err := dec.Decode(&r); err != nil {
			return err
		}
		s.put(key, r)
	}
	return nil
}
