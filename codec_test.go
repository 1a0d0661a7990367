package ipcbench

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 10, 1000} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			set := Generate(n)
			data, err := Encode(set)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			assert.True(t, set.Equal(got))
			assert.Equal(t, set.Keys(), got.Keys(), "key order survives")
		})
	}
}

func TestGenerate(t *testing.T) {
	set := Generate(4)
	require.Equal(t, 4, set.Len())
	r, ok := set.Get("key_3")
	require.True(t, ok)
	assert.Equal(t, Record{Value: 3, Squared: 9, Text: "test_value_3", Float: 1.0}, r)
	_, ok = set.Get("key_4")
	assert.False(t, ok)

	i := 0
	for k, r := range set.All() {
		assert.Equal(t, fmt.Sprintf("key_%d", i), k)
		assert.EqualValues(t, i, r.Value)
		i++
	}
	assert.Equal(t, 4, i)
	assert.Zero(t, Generate(-1).Len())
}

func TestRecordSetOrder(t *testing.T) {
	a := NewRecordSet(
		Entry{Key: "b", Record: Record{Value: 1}},
		Entry{Key: "a", Record: Record{Value: 2}},
		Entry{Key: "b", Record: Record{Value: 3}},
	)
	assert.Equal(t, []string{"b", "a"}, a.Keys())
	r, _ := a.Get("b")
	assert.EqualValues(t, 3, r.Value)

	b := NewRecordSet(
		Entry{Key: "a", Record: Record{Value: 2}},
		Entry{Key: "b", Record: Record{Value: 3}},
	)
	assert.False(t, a.Equal(b), "order is part of equality")

	keys := a.Keys()
	keys[0] = "mutated"
	assert.Equal(t, []string{"b", "a"}, a.Keys())

	var zero RecordSet
	assert.Zero(t, zero.Len())
	assert.True(t, zero.Equal(Generate(0)))
}

func TestDecodeErrors(t *testing.T) {
	good, err := Encode(Generate(3))
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":     nil,
		"truncated": good[:len(good)-2],
		"trailing":  append(append([]byte{}, good...), 0x00),
		"not a map": {0x93, 0x01, 0x02, 0x03},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			require.ErrorIs(t, err, ErrDecode)
		})
	}

	// a map with a non-record value
	bad, err := msgpack.Marshal(map[string]int{"key_0": 1})
	require.NoError(t, err)
	_, err = Decode(bad)
	require.ErrorIs(t, err, ErrDecode)
}

func TestFatal(t *testing.T) {
	assert.False(t, Fatal(nil))
	assert.False(t, Fatal(fmt.Errorf("wrapped: %w", ErrTimeout)))
	assert.True(t, Fatal(ErrDecode))
	assert.True(t, Fatal(errors.New("other")))
}

func TestResourceName(t *testing.T) {
	assert.Equal(t, "bench_10", ResourceName("bench", 10))
	assert.NotEqual(t, ResourceName("bench", 10), ResourceName("bench", 100))
}

func BenchmarkCodec(b *testing.B) {
	set := Generate(10000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := Encode(set)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := Decode(data); err != nil {
			b.Fatal(err)
		}
	}
}
