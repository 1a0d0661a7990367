package ipcbench

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns a record set into a payload and back. Every backend and the
// scenario driver share one codec so transport cost is measured apart from
// encoding cost.
type Codec interface {
	Name() string
	Encode(RecordSet) ([]byte, error)
	Decode([]byte) (RecordSet, error)
}

var DefaultCodec Codec = MsgpackCodec{}

type MsgpackCodec struct{}

func (MsgpackCodec) Name() string {
	return "msgpack"
}

func (MsgpackCodec) Encode(s RecordSet) ([]byte, error) {
	return msgpack.Marshal(s)
}

func (MsgpackCodec) Decode(data []byte) (RecordSet, error) {
	var s RecordSet
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	if err := dec.Decode(&s); err != nil {
		return RecordSet{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if r.Len() != 0 {
		return RecordSet{}, fmt.Errorf("%w: %d trailing bytes", ErrDecode, r.Len())
	}
	return s, nil
}

func Encode(s RecordSet) ([]byte, error) {
	return DefaultCodec.Encode(s)
}

func Decode(data []byte) (RecordSet, error) {
	return DefaultCodec.Decode(data)
}
