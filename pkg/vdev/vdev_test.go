package vdev

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submitWait(t *testing.T, d *Device, io *IO) error {
	t.Helper()
	done := make(chan error, 1)
	io.Done = func(err error) { done <- err }
	d.Submit(io)
	return <-done
}

func TestDeviceIO(t *testing.T) {
	m := NewManager()
	defer m.Close()
	d := m.Attach(1, NewMemBackend(1<<20), 2)

	// ========================================
	// Write then read back
	// ========================================

	t.Run("write read round trip", func(t *testing.T) {
		data := bytes.Repeat([]byte{0xab}, 4096)
		require.NoError(t, submitWait(t, d, &IO{Kind: OpWrite, Offset: 8192, Data: data}))

		out := make([]byte, 4096)
		require.NoError(t, submitWait(t, d, &IO{Kind: OpRead, Offset: 8192, Data: out}))
		assert.Equal(t, data, out)
	})

	t.Run("trim zeroes the range", func(t *testing.T) {
		data := bytes.Repeat([]byte{0xcd}, 4096)
		require.NoError(t, submitWait(t, d, &IO{Kind: OpWrite, Offset: 0, Data: data}))
		require.NoError(t, submitWait(t, d, &IO{Kind: OpTrim, Offset: 0, Size: 4096}))

		out := make([]byte, 4096)
		require.NoError(t, submitWait(t, d, &IO{Kind: OpRead, Offset: 0, Data: out}))
		assert.Equal(t, make([]byte, 4096), out)
	})

	t.Run("flush succeeds", func(t *testing.T) {
		assert.NoError(t, submitWait(t, d, &IO{Kind: OpFlush}))
	})

	t.Run("out of range rejected", func(t *testing.T) {
		err := submitWait(t, d, &IO{Kind: OpRead, Offset: 1 << 20, Data: make([]byte, 512)})
		assert.ErrorIs(t, err, ErrOutOfRange)
	})

	// ========================================
	// Flags
	// ========================================

	t.Run("offline device fails with ErrNoDevice", func(t *testing.T) {
		d.SetAccessible(false)
		defer d.SetAccessible(true)
		err := submitWait(t, d, &IO{Kind: OpRead, Offset: 0, Data: make([]byte, 512)})
		assert.ErrorIs(t, err, ErrNoDevice)
	})

	t.Run("no-cache short-circuits flush", func(t *testing.T) {
		d.SetErrorInjector(func(io *IO) error {
			if io.Kind == OpFlush {
				return ErrNotSupported
			}
			return nil
		})
		defer d.SetErrorInjector(nil)

		err := submitWait(t, d, &IO{Kind: OpFlush})
		require.ErrorIs(t, err, ErrNotSupported)

		d.SetNoCache(true)
		defer d.SetNoCache(false)
		assert.NoError(t, submitWait(t, d, &IO{Kind: OpFlush}))
	})
}

func TestDeviceStats(t *testing.T) {
	m := NewManager()
	defer m.Close()
	d := m.Attach(1, NewMemBackend(1<<20), 1)

	require.NoError(t, submitWait(t, d, &IO{Kind: OpWrite, Offset: 0, Data: make([]byte, 8192)}))
	require.NoError(t, submitWait(t, d, &IO{Kind: OpRead, Offset: 0, Data: make([]byte, 4096)}))

	d.SetErrorInjector(func(*IO) error { return errors.New("boom") })
	require.Error(t, submitWait(t, d, &IO{Kind: OpRead, Offset: 0, Data: make([]byte, 512)}))
	d.SetErrorInjector(nil)

	s := d.Stats().Snapshot()
	assert.EqualValues(t, 1, s.Ops[OpWrite])
	assert.EqualValues(t, 8192, s.Bytes[OpWrite])
	assert.EqualValues(t, 1, s.Ops[OpRead])
	assert.EqualValues(t, 4096, s.Bytes[OpRead])
	assert.EqualValues(t, 1, s.Errors[OpRead])
}

func TestDeviceQueueOrdering(t *testing.T) {
	m := NewManager()
	defer m.Close()
	d := m.Attach(1, NewMemBackend(1<<20), 1)

	var mu sync.Mutex
	var order []int
	record := func(i int) func(error) {
		return func(error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}
	}

	// Hold the single worker so the queue builds up, then cut in line.
	gate := make(chan struct{})
	d.queue.Dispatch(func() { <-gate })
	d.Submit(&IO{Kind: OpFlush, Done: record(1)})
	d.Submit(&IO{Kind: OpFlush, Done: record(2)})
	d.SubmitFront(&IO{Kind: OpFlush, Done: record(0)})
	close(gate)

	last := make(chan error, 1)
	d.Submit(&IO{Kind: OpFlush, Done: func(err error) { last <- err }})
	<-last

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestDevicePromote(t *testing.T) {
	m := NewManager()
	defer m.Close()
	d := m.Attach(1, NewMemBackend(1<<20), 1)

	var mu sync.Mutex
	var order []int
	record := func(i int) func(error) {
		return func(error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}
	}

	// Hold the single worker, queue two operations, then promote the
	// second one past the first.
	gate := make(chan struct{})
	d.queue.Dispatch(func() { <-gate })
	d.Submit(&IO{Kind: OpFlush, Done: record(1)})
	promoted := &IO{Kind: OpFlush, Done: record(2)}
	d.Submit(promoted)
	d.Promote(promoted)
	close(gate)

	last := make(chan error, 1)
	d.Submit(&IO{Kind: OpFlush, Done: func(err error) { last <- err }})
	<-last

	mu.Lock()
	defer mu.Unlock()
	// The promoted operation runs once even though it sits in the queue
	// twice; its original slot drains without effect.
	assert.Equal(t, []int{2, 1}, order)
}

func TestManager(t *testing.T) {
	t.Run("attach get detach", func(t *testing.T) {
		m := NewManager()
		d := m.Attach(3, NewMemBackend(1<<16), 1)
		assert.Same(t, d, m.Get(3))
		assert.Nil(t, m.Get(4))
		assert.Equal(t, 1, m.Len())

		require.NoError(t, m.Detach(3))
		assert.Nil(t, m.Get(3))
		assert.ErrorIs(t, m.Detach(3), ErrNoDevice)
	})

	t.Run("each visits all devices", func(t *testing.T) {
		m := NewManager()
		defer m.Close()
		m.Attach(1, NewMemBackend(1<<16), 1)
		m.Attach(2, NewMemBackend(1<<16), 1)

		var n int
		m.Each(func(*Device) { n++ })
		assert.Equal(t, 2, n)
	})
}

func TestFileBackend(t *testing.T) {
	t.Run("round trip and persistence bounds", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dev0")
		b, err := OpenFile(path, 1<<20, false)
		require.NoError(t, err)
		defer b.Close()

		data := bytes.Repeat([]byte{0x5a}, 4096)
		_, err = b.WriteAt(data, 4096)
		require.NoError(t, err)
		require.NoError(t, b.Flush())

		out := make([]byte, 4096)
		_, err = b.ReadAt(out, 4096)
		require.NoError(t, err)
		assert.Equal(t, data, out)

		_, err = b.WriteAt(data, 1<<20-100)
		assert.ErrorIs(t, err, ErrOutOfRange)
	})

	t.Run("trim zero fills", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dev1")
		b, err := OpenFile(path, 1<<20, false)
		require.NoError(t, err)
		defer b.Close()

		_, err = b.WriteAt(bytes.Repeat([]byte{0xff}, 8192), 0)
		require.NoError(t, err)
		require.NoError(t, b.Trim(0, 8192))

		out := make([]byte, 8192)
		_, err = b.ReadAt(out, 0)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 8192), out)
	})
}
