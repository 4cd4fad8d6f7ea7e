package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tsdb/record"
)

func rec(ts int64) *record.Record {
	return record.NewScalar(ts, float64(ts), nil, nil)
}

func TestPutGetExactMatch(t *testing.T) {
	m := New(1 << 20)
	require.Equal(t, Accepted, m.Put(rec(100)))
	got, ok := m.Get(100)
	require.True(t, ok)
	require.Equal(t, float64(100), got.Scalar)

	_, ok = m.Get(200)
	require.False(t, ok)
}

func TestPutSameTimestampReplaces(t *testing.T) {
	m := New(1 << 20)
	m.Put(record.NewScalar(5, 1, nil, nil))
	m.Put(record.NewScalar(5, 2, nil, nil))

	got, ok := m.Get(5)
	require.True(t, ok)
	require.Equal(t, float64(2), got.Scalar)
	require.Equal(t, 1, m.Count())
}

func TestRangeOrderedInclusive(t *testing.T) {
	m := New(1 << 20)
	for _, ts := range []int64{50, 10, 30, 70, 20} {
		m.Put(rec(ts))
	}

	got := m.Range(20, 50)
	require.Len(t, got, 3)
	require.Equal(t, []int64{20, 30, 50}, []int64{got[0].Timestamp, got[1].Timestamp, got[2].Timestamp})
}

func TestIsFullAndRejectsFurtherWrites(t *testing.T) {
	small := New(1)
	res := small.Put(rec(1))
	require.Equal(t, Accepted, res) // first write into an empty table is always accepted

	full := New(estimateSize(rec(1)))
	full.Put(rec(1))
	require.True(t, full.IsFull())

	res = full.Put(rec(2))
	require.Equal(t, Full, res)
}

func estimateSize(r *record.Record) uint64 {
	return uint64(r.EncodedSize()) + approxRecordOverhead
}

func TestClearEmptiesTable(t *testing.T) {
	m := New(1 << 20)
	m.Put(rec(1))
	m.Clear()
	require.Equal(t, 0, m.Count())
	require.Equal(t, uint64(0), m.SizeBytes())
}

func TestWouldFitRejectsOversizedRecord(t *testing.T) {
	m := New(10)
	err := m.WouldFit(rec(1))
	require.Error(t, err)
}
