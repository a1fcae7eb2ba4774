package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/dsmr2mqtt/log2"
)

func openTest(t testing.TB, dir string, opt Options) *Queue {
	t.Helper()
	q, err := Open(dir, opt, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	return q
}

func msg(i int) Message {
	return Message{Topic: fmt.Sprintf("dsmr/reading/%d", i), Payload: []byte(fmt.Sprintf(`{"n":%d}`, i)), QoS: 1}
}

func topics(ms []Message) []string {
	result := make([]string, len(ms))
	for i, m := range ms {
		result[i] = m.Topic
	}
	return result
}

func TestQueueRecoverAfterReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	q := openTest(t, dir, Options{})
	ids := make([]uint64, 0, 3)
	for i := 1; i <= 3; i++ {
		id, err := q.Enqueue(msg(i))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []uint64{1, 2, 3}, ids)
	require.NoError(t, q.Close())

	q = openTest(t, dir, Options{})
	recovered := q.Recover()
	assert.Equal(t, []string{"dsmr/reading/1", "dsmr/reading/2", "dsmr/reading/3"}, topics(recovered))
	assert.Equal(t, []byte(`{"n":1}`), recovered[0].Payload)
	assert.Equal(t, byte(1), recovered[0].QoS)
	assert.False(t, recovered[0].QueuedAt.IsZero())
	require.NoError(t, q.Remove(recovered[0].ID))
	require.NoError(t, q.Close())

	q = openTest(t, dir, Options{})
	defer q.Close()
	assert.Equal(t, []string{"dsmr/reading/2", "dsmr/reading/3"}, topics(q.Recover()))
	id, err := q.Enqueue(msg(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), id)
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := openTest(t, t.TempDir(), Options{})
	defer q.Close()
	_, ok := q.PeekOldest()
	assert.False(t, ok)
	for i := 1; i <= 5; i++ {
		_, err := q.Enqueue(msg(i))
		require.NoError(t, err)
	}
	for i := 1; i <= 5; i++ {
		m, ok := q.PeekOldest()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("dsmr/reading/%d", i), m.Topic)
		require.NoError(t, q.Remove(m.ID))
		assert.Equal(t, 5-i, q.Len())
	}
	// unknown id is ignored
	assert.NoError(t, q.Remove(42))
}

func TestQueueRemoveOutOfOrder(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	q := openTest(t, dir, Options{})
	for i := 1; i <= 4; i++ {
		_, err := q.Enqueue(msg(i))
		require.NoError(t, err)
	}
	require.NoError(t, q.Remove(3))
	require.NoError(t, q.Close())

	q = openTest(t, dir, Options{})
	defer q.Close()
	assert.Equal(t, []string{"dsmr/reading/1", "dsmr/reading/2", "dsmr/reading/4"}, topics(q.Recover()))
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	q := openTest(t, t.TempDir(), Options{MaxEntries: 2})
	defer q.Close()
	_, err := q.Enqueue(msg(1))
	require.NoError(t, err)
	_, err = q.Enqueue(msg(2))
	require.NoError(t, err)
	_, err = q.Enqueue(msg(3))
	require.Error(t, err)
	assert.True(t, errors.Cause(err) == ErrFull)
	assert.Equal(t, 2, q.Len())
}

func TestQueueCompact(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, logName)

	q := openTest(t, dir, Options{CompactEvery: 3})
	for i := 1; i <= 5; i++ {
		_, err := q.Enqueue(msg(i))
		require.NoError(t, err)
	}
	before, err := os.Stat(path)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		m, _ := q.PeekOldest()
		require.NoError(t, q.Remove(m.ID))
	}
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size())

	id, err := q.Enqueue(msg(6))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), id)
	require.NoError(t, q.Close())

	q = openTest(t, dir, Options{CompactEvery: 3})
	assert.Equal(t, []string{"dsmr/reading/4", "dsmr/reading/5", "dsmr/reading/6"}, topics(q.Recover()))
	for _, m := range q.Recover() {
		require.NoError(t, q.Remove(m.ID))
	}
	require.NoError(t, q.Close())

	// ids stay monotonic after everything was delivered and compacted
	q = openTest(t, dir, Options{CompactEvery: 3})
	defer q.Close()
	assert.Equal(t, 0, q.Len())
	id, err = q.Enqueue(msg(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
}

func TestQueueTornTail(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, logName)

	q := openTest(t, dir, Options{})
	for i := 1; i <= 2; i++ {
		_, err := q.Enqueue(msg(i))
		require.NoError(t, err)
	}
	require.NoError(t, q.Close())
	full, err := os.Stat(path)
	require.NoError(t, err)

	record, err := encodeRecord(Message{ID: 3, Topic: "dsmr/reading/3"})
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write(record[:len(record)-5])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	q = openTest(t, dir, Options{})
	defer q.Close()
	assert.Equal(t, []string{"dsmr/reading/1", "dsmr/reading/2"}, topics(q.Recover()))
	truncated, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, full.Size(), truncated.Size())
	id, err := q.Enqueue(msg(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id)
}

func TestQueueCorrupt(t *testing.T) {
	t.Parallel()

	t.Run("record", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		q := openTest(t, dir, Options{})
		_, err := q.Enqueue(msg(1))
		require.NoError(t, err)
		require.NoError(t, q.Close())

		path := filepath.Join(dir, logName)
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		b[len(b)-2] ^= 0xff
		require.NoError(t, os.WriteFile(path, b, 0644))

		_, err = Open(dir, Options{}, log2.NewTest(t, log2.LDebug))
		require.Error(t, err)
		assert.True(t, errors.Cause(err) == ErrCorrupt, "err=%v", err)
	})
	t.Run("marker", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		junk := []byte(strings.Repeat("junk", 8))
		require.NoError(t, os.WriteFile(filepath.Join(dir, markerPrefix+"v1.main"), junk, 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, markerPrefix+"v1.backup"), junk, 0644))

		_, err := Open(dir, Options{}, log2.NewTest(t, log2.LDebug))
		require.Error(t, err)
		assert.True(t, errors.Cause(err) == ErrCorrupt, "err=%v", err)
	})
}

func TestQueueConcurrent(t *testing.T) {
	t.Parallel()

	q := openTest(t, t.TempDir(), Options{})
	defer q.Close()
	const n = 50
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_, err := q.Enqueue(msg(i))
			assert.NoError(t, err)
		}
	}()
	delivered := make([]string, 0, n)
	for len(delivered) < n {
		m, ok := q.PeekOldest()
		if !ok {
			continue
		}
		delivered = append(delivered, m.Topic)
		require.NoError(t, q.Remove(m.ID))
	}
	wg.Wait()
	for i, topic := range delivered {
		assert.Equal(t, fmt.Sprintf("dsmr/reading/%d", i), topic)
	}
}

func TestQueueClosed(t *testing.T) {
	t.Parallel()

	q := openTest(t, t.TempDir(), Options{})
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	_, err := q.Enqueue(msg(1))
	assert.Equal(t, ErrClosed, err)
}
