package sstable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tsdb/record"
)

func makeRecords(n int, start, step int64) []*record.Record {
	out := make([]*record.Record, n)
	for i := 0; i < n; i++ {
		ts := start + int64(i)*step
		out[i] = record.NewScalar(ts, float64(i), map[string]string{"sensor": "temp_0"}, nil)
	}
	return out
}

func TestBuildFromMemTableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	recs := makeRecords(100, 1000, 1000)

	tbl, err := BuildFromMemTable(dir, 0, 1, recs, 10, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(100), tbl.EntryCount())
	require.Equal(t, int64(1000), tbl.MinTs())
	require.Equal(t, int64(100000), tbl.MaxTs())

	reopened, err := Open(filepath.Join(dir, FileName(0, 1)))
	require.NoError(t, err)

	got, err := reopened.Range(1000, 100000)
	require.NoError(t, err)
	require.Len(t, got, 100)
	for i, r := range got {
		require.Equal(t, recs[i].Timestamp, r.Timestamp)
		require.Equal(t, recs[i].Scalar, r.Scalar)
		require.Equal(t, recs[i].Tags, r.Tags)
	}
}

func TestGetHitAndMiss(t *testing.T) {
	dir := t.TempDir()
	recs := makeRecords(10, 0, 100)
	tbl, err := BuildFromMemTable(dir, 0, 1, recs, 10, 3)
	require.NoError(t, err)

	got, err := tbl.Get(500)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, int64(500), got.Timestamp)

	miss, err := tbl.Get(999)
	require.NoError(t, err)
	require.Nil(t, miss)
}

func TestMightContainRejectsOutOfRange(t *testing.T) {
	dir := t.TempDir()
	recs := makeRecords(3, 100, 100)
	tbl, err := BuildFromMemTable(dir, 0, 1, recs, 10, 3)
	require.NoError(t, err)

	ok, err := tbl.MightContain(50)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = tbl.MightContain(99999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRejectsBadMagicAndNewerVersion(t *testing.T) {
	dir := t.TempDir()
	recs := makeRecords(1, 0, 1)
	_, err := BuildFromMemTable(dir, 0, 1, recs, 10, 3)
	require.NoError(t, err)

	path := filepath.Join(dir, FileName(0, 1))
	buf := make([]byte, headerSize)
	copy(buf, "XXXX")
	_, err = decodeHeader(buf)
	require.Error(t, err)

	copy(buf, magic)
	buf[4] = formatVersion + 1
	_, err = decodeHeader(buf)
	require.Error(t, err)

	_ = path
}

func TestBuildFromSSTablesMergesNewestWins(t *testing.T) {
	dir := t.TempDir()

	old := []*record.Record{record.NewScalar(10, 1, nil, nil), record.NewScalar(20, 1, nil, nil)}
	oldTbl, err := BuildFromMemTable(dir, 0, 1, old, 10, 3)
	require.NoError(t, err)

	newer := []*record.Record{record.NewScalar(10, 99, nil, nil), record.NewScalar(30, 1, nil, nil)}
	newTbl, err := BuildFromMemTable(dir, 0, 2, newer, 10, 3)
	require.NoError(t, err)

	merged, err := BuildFromSSTables(dir, 1, 3, []*Table{oldTbl, newTbl}, 10, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), merged.EntryCount())

	got, err := merged.Get(10)
	require.NoError(t, err)
	require.Equal(t, float64(99), got.Scalar) // newest sequence wins

	got, err = merged.Get(30)
	require.NoError(t, err)
	require.Equal(t, float64(1), got.Scalar)
}

func TestRangeEmptyWhenOutsideCoverage(t *testing.T) {
	dir := t.TempDir()
	recs := makeRecords(5, 1000, 10)
	tbl, err := BuildFromMemTable(dir, 0, 1, recs, 10, 3)
	require.NoError(t, err)

	got, err := tbl.Range(0, 500)
	require.NoError(t, err)
	require.Empty(t, got)
}
