package mmstore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMapSize = 64 * pageSize

func openPair(t testing.TB) (writer, reader *Store) {
	path := filepath.Join(t.TempDir(), dataFile)
	writer, err := Open(path, Options{MapSize: testMapSize})
	require.NoError(t, err)
	reader, err = Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		reader.Close()
		writer.Close()
	})
	return writer, reader
}

func TestStoreUpdateView(t *testing.T) {
	writer, reader := openPair(t)

	require.NoError(t, reader.View(func(tx *Tx) error {
		assert.Nil(t, tx.Get([]byte("data")))
		assert.Zero(t, tx.ID())
		return nil
	}))

	for i := 1; i <= 10; i++ {
		value := []byte(fmt.Sprintf("value-%d", i))
		require.NoError(t, writer.Update(func(tx *Tx) error {
			return tx.Put([]byte("data"), value)
		}))
		require.NoError(t, reader.View(func(tx *Tx) error {
			assert.Equal(t, value, tx.Get([]byte("data")))
			assert.Equal(t, uint64(i), tx.ID())
			return nil
		}))
	}
	assert.Equal(t, uint64(10), reader.Stats().TxID)
}

func TestStoreRollback(t *testing.T) {
	writer, reader := openPair(t)
	require.NoError(t, writer.Update(func(tx *Tx) error {
		return tx.Put([]byte("a"), []byte("1"))
	}))

	boom := fmt.Errorf("boom")
	err := writer.Update(func(tx *Tx) error {
		require.NoError(t, tx.Put([]byte("a"), []byte("2")))
		require.NoError(t, tx.Put([]byte("b"), []byte("3")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, reader.View(func(tx *Tx) error {
		assert.Equal(t, []byte("1"), tx.Get([]byte("a")))
		assert.Nil(t, tx.Get([]byte("b")))
		assert.Equal(t, uint64(1), tx.ID())
		return nil
	}))
}

func TestStoreReadOnly(t *testing.T) {
	_, reader := openPair(t)
	require.ErrorIs(t, reader.Update(func(*Tx) error { return nil }), ErrReadOnly)
	require.NoError(t, reader.View(func(tx *Tx) error {
		assert.ErrorIs(t, tx.Put([]byte("k"), []byte("v")), ErrNotWritable)
		assert.ErrorIs(t, tx.Delete([]byte("k")), ErrNotWritable)
		return nil
	}))
}

func TestStoreMapFull(t *testing.T) {
	writer, _ := openPair(t)
	slot := writer.Stats().SlotSize
	err := writer.Update(func(tx *Tx) error {
		return tx.Put([]byte("data"), make([]byte, slot))
	})
	require.ErrorIs(t, err, ErrMapFull)
	assert.Zero(t, writer.Stats().TxID)
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), dataFile)
	s, err := Open(path, Options{MapSize: testMapSize})
	require.NoError(t, err)
	require.NoError(t, s.Update(func(tx *Tx) error {
		return tx.Put([]byte("data"), []byte("kept"))
	}))
	require.NoError(t, s.Close())

	s, err = Open(path, Options{MapSize: testMapSize})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Stats().TxID)
	require.NoError(t, s.Update(func(tx *Tx) error {
		assert.Equal(t, []byte("kept"), tx.Get([]byte("data")))
		return tx.Delete([]byte("data"))
	}))
	assert.Equal(t, uint64(2), s.Stats().TxID)
	require.NoError(t, s.Close())

	_, err = Open(path, Options{MapSize: 2 * testMapSize})
	require.ErrorIs(t, err, ErrMapSize)
}

func TestStoreRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), dataFile)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xff}, testMapSize), 0644))

	_, err := Open(path, Options{MapSize: testMapSize})
	require.ErrorIs(t, err, ErrInvalid)
	_, err = Open(path, Options{ReadOnly: true})
	require.ErrorIs(t, err, ErrInvalid)

	_, err = Open(filepath.Join(t.TempDir(), "missing"), Options{ReadOnly: true})
	require.Error(t, err)
}

func TestStoreTornMetaFallsBack(t *testing.T) {
	writer, reader := openPair(t)
	for i := 0; i < 2; i++ {
		value := []byte{byte(i)}
		require.NoError(t, writer.Update(func(tx *Tx) error {
			return tx.Put([]byte("data"), value)
		}))
	}
	// corrupt the newest meta record, txid 2 lives in meta[0]
	writer.metaBytes(0)[10] ^= 0xff

	require.NoError(t, reader.View(func(tx *Tx) error {
		assert.Equal(t, uint64(1), tx.ID())
		assert.Equal(t, []byte{0}, tx.Get([]byte("data")))
		return nil
	}))
}

func TestStoreConcurrentSnapshots(t *testing.T) {
	writer, reader := openPair(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			value := bytes.Repeat([]byte{byte(i)}, 100+i%900)
			if err := writer.Update(func(tx *Tx) error {
				return tx.Put([]byte("data"), value)
			}); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		err := reader.View(func(tx *Tx) error {
			v := tx.Get([]byte("data"))
			for _, c := range v {
				if c != v[0] {
					return fmt.Errorf("torn value at txid %d", tx.ID())
				}
			}
			return nil
		})
		if err == ErrSnapshot {
			continue
		}
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestTableCodec(t *testing.T) {
	table := map[string][]byte{
		"a":     []byte("1"),
		"empty": {},
		"long":  bytes.Repeat([]byte("x"), 1000),
	}
	got, err := decodeTable(encodeTable(table))
	require.NoError(t, err)
	assert.Len(t, got, 3)
	for k, v := range table {
		assert.True(t, bytes.Equal(v, got[k]), k)
	}

	_, err = decodeTable([]byte{1, 0, 0, 0, 9})
	require.ErrorIs(t, err, ErrCorruptTable)
}

func BenchmarkStoreUpdateView(b *testing.B) {
	writer, reader := openPair(b)
	value := bytes.Repeat([]byte("v"), 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := writer.Update(func(tx *Tx) error {
			return tx.Put([]byte("data"), value)
		}); err != nil {
			b.Fatal(err)
		}
		if err := reader.View(func(tx *Tx) error {
			if len(tx.Get([]byte("data"))) != len(value) {
				b.Fatal()
			}
			return nil
		}); err != nil {
			b.Fatal(err)
		}
	}
}
