package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tsdb/record"
)

func testRecord(ts int64) *record.Record {
	return record.NewScalar(ts, float64(ts), map[string]string{"k": "v"}, nil)
}

func TestAppendRecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal.log"))
	require.NoError(t, err)

	for i := int64(0); i < 50; i++ {
		require.NoError(t, w.Append(testRecord(i)))
	}

	got, err := w.Recover()
	require.NoError(t, err)
	require.Len(t, got, 50)
	for i, rec := range got {
		require.Equal(t, int64(i), rec.Timestamp)
	}
}

func TestRecoverAfterSimulatedCrash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path)
	require.NoError(t, err)
	for i := int64(0); i < 30; i++ {
		require.NoError(t, w.Append(testRecord(i)))
	}
	require.NoError(t, w.Close()) // simulate crash: no flush happened

	reopened, err := Open(path)
	require.NoError(t, err)
	got, err := reopened.Recover()
	require.NoError(t, err)
	require.Len(t, got, 30)
}

func TestRecoverDiscardsTruncatedTrailingFrame(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(testRecord(1)))
	require.NoError(t, w.Append(testRecord(2)))
	require.NoError(t, w.Close())

	// Truncate the file mid-way through the last frame.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0o644))

	reopened, err := Open(path)
	require.NoError(t, err)
	got, err := reopened.Recover()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(1), got[0].Timestamp)
}

func TestClearRemovesAndRecreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(testRecord(1)))
	require.NoError(t, w.Clear())

	got, err := w.Recover()
	require.NoError(t, err)
	require.Empty(t, got)
}
