// Package sstable implements the immutable on-disk sorted run produced
// by flushing a MemTable or merging other SSTables, per §4.5 and §6.
//
// Grounded in the teacher's lsm/sstable package for the overall shape
// (a header component, a bloom-filter component, an index component,
// then data), but collapsed from the teacher's five-separate-file
// layout into the single-file layout §6 mandates: one file per
// SSTable, `L<level>_<seq>.sst`, sections back-to-back. Index and
// bloom are loaded lazily on first access and cached, matching the
// teacher's lazy component loading.
package sstable

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"tsdb/bloom"
	"tsdb/errs"
	"tsdb/record"
)

const (
	magic          = "SSTB"
	formatVersion  = 1
	headerSize     = 4 + 4 + 4 + 8 + 8 + 8 + 8 + 8 + 8 + 8 // magic,version,level,seq,entryCount,minTs,maxTs,bloomOff,indexOff,dataOff
	indexEntrySize = 8 + 8 + 4                             // ts, dataOffset, length
)

// Header is the fixed-size metadata block at the start of every file.
type Header struct {
	Version     uint32
	Level       int
	Sequence    uint64
	EntryCount  uint64
	MinTs       int64
	MaxTs       int64
	BloomOffset uint64
	IndexOffset uint64
	DataOffset  uint64
}

func (h *Header) encode() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint32(buf[8:], uint32(h.Level))
	binary.LittleEndian.PutUint64(buf[12:], h.Sequence)
	binary.LittleEndian.PutUint64(buf[20:], h.EntryCount)
	binary.LittleEndian.PutUint64(buf[28:], uint64(h.MinTs))
	binary.LittleEndian.PutUint64(buf[36:], uint64(h.MaxTs))
	binary.LittleEndian.PutUint64(buf[44:], h.BloomOffset)
	binary.LittleEndian.PutUint64(buf[52:], h.IndexOffset)
	binary.LittleEndian.PutUint64(buf[60:], h.DataOffset)
	return buf
}

func decodeHeader(buf []byte) (*Header, error) {
	if len(buf) < headerSize {
		return nil, errs.Wrap(errs.Corruption, "sstable header truncated: have %d bytes", len(buf))
	}
	if string(buf[0:4]) != magic {
		return nil, errs.Wrap(errs.Corruption, "sstable magic mismatch: got %q", buf[0:4])
	}
	version := binary.LittleEndian.Uint32(buf[4:])
	if version > formatVersion {
		return nil, errs.Wrap(errs.Corruption, "sstable format version %d newer than supported %d", version, formatVersion)
	}
	return &Header{
		Version:     version,
		Level:       int(binary.LittleEndian.Uint32(buf[8:])),
		Sequence:    binary.LittleEndian.Uint64(buf[12:]),
		EntryCount:  binary.LittleEndian.Uint64(buf[20:]),
		MinTs:       int64(binary.LittleEndian.Uint64(buf[28:])),
		MaxTs:       int64(binary.LittleEndian.Uint64(buf[36:])),
		BloomOffset: binary.LittleEndian.Uint64(buf[44:]),
		IndexOffset: binary.LittleEndian.Uint64(buf[52:]),
		DataOffset:  binary.LittleEndian.Uint64(buf[60:]),
	}, nil
}

// indexEntry is one index row, one per record: (timestamp, data_offset, encoded_length).
type indexEntry struct {
	ts     int64
	offset uint64
	length uint32
}

// FileName returns the canonical on-disk name for a table at the given
// level and sequence number, per §6.
func FileName(level int, seq uint64) string {
	return fmt.Sprintf("L%d_%d.sst", level, seq)
}

// Table is a handle onto one immutable on-disk SSTable file. Index and
// bloom filter are loaded lazily on first access and cached for
// subsequent calls (§4.5).
type Table struct {
	path string

	mu     sync.RWMutex
	header *Header
	flt    *bloom.Filter
	index  []indexEntry
}

// Open attaches a handle to an existing SSTable file without reading
// its index or bloom filter yet. The header is read eagerly since
// Level/MinTs/MaxTs/Sequence are needed immediately by the LSMTree for
// placement and pruning.
func Open(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "open sstable %s: %v", path, err)
	}
	defer f.Close()

	buf := make([]byte, headerSize)
	if _, err := readFullAt(f, buf, 0); err != nil {
		return nil, errs.Wrap(errs.Corruption, "read sstable header %s: %v", path, err)
	}
	header, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	return &Table{path: path, header: header}, nil
}

func readFullAt(f *os.File, buf []byte, off int64) (int, error) {
	n, err := f.ReadAt(buf, off)
	if err != nil {
		return n, err
	}
	return n, nil
}

// Level returns the table's level within the tree.
func (t *Table) Level() int { return t.header.Level }

// Sequence returns the table's write-order sequence number.
func (t *Table) Sequence() uint64 { return t.header.Sequence }

// MinTs and MaxTs bound the table's closed [MinTs, MaxTs] coverage
// interval, recorded at build time and never
// changed (§3 invariant).
func (t *Table) MinTs() int64 { return t.header.MinTs }
func (t *Table) MaxTs() int64 { return t.header.MaxTs }

// EntryCount returns the number of records stored.
func (t *Table) EntryCount() uint64 { return t.header.EntryCount }

// Path returns the backing file path.
func (t *Table) Path() string { return t.path }

func (t *Table) ensureLoaded() error {
	t.mu.RLock()
	loaded := t.flt != nil
	t.mu.RUnlock()
	if loaded {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.flt != nil {
		return nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return errs.Wrap(errs.IoError, "open sstable %s: %v", t.path, err)
	}
	defer f.Close()

	bloomBuf := make([]byte, t.header.IndexOffset-t.header.BloomOffset)
	if _, err := readFullAt(f, bloomBuf, int64(t.header.BloomOffset)); err != nil {
		return errs.Wrap(errs.Corruption, "read sstable bloom %s: %v", t.path, err)
	}
	flt, err := bloom.Deserialize(bloomBuf)
	if err != nil {
		return err
	}

	indexBuf := make([]byte, t.header.EntryCount*indexEntrySize)
	if len(indexBuf) > 0 {
		if _, err := readFullAt(f, indexBuf, int64(t.header.IndexOffset)); err != nil {
			return errs.Wrap(errs.Corruption, "read sstable index %s: %v", t.path, err)
		}
	}
	index := make([]indexEntry, t.header.EntryCount)
	for i := range index {
		base := i * indexEntrySize
		index[i] = indexEntry{
			ts:     int64(binary.LittleEndian.Uint64(indexBuf[base:])),
			offset: binary.LittleEndian.Uint64(indexBuf[base+8:]),
			length: binary.LittleEndian.Uint32(indexBuf[base+16:]),
		}
	}

	t.flt = flt
	t.index = index
	return nil
}

// MightContain short-circuits a probe without touching the index or
// data blocks: false if ts is outside [MinTs, MaxTs] or the bloom
// filter rejects it.
func (t *Table) MightContain(ts int64) (bool, error) {
	if ts < t.header.MinTs || ts > t.header.MaxTs {
		return false, nil
	}
	if err := t.ensureLoaded(); err != nil {
		return false, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.flt.MightContain(ts), nil
}

// Get performs bloom-reject -> binary search on index -> seek and
// decode, per §4.5.
func (t *Table) Get(ts int64) (*record.Record, error) {
	ok, err := t.MightContain(ts)
	if err != nil || !ok {
		return nil, err
	}

	t.mu.RLock()
	idx := sort.Search(len(t.index), func(i int) bool { return t.index[i].ts >= ts })
	var entry *indexEntry
	if idx < len(t.index) && t.index[idx].ts == ts {
		entry = &t.index[idx]
	}
	t.mu.RUnlock()

	if entry == nil {
		return nil, nil
	}
	return t.readRecordAt(entry.offset, entry.length)
}

func (t *Table) readRecordAt(offset uint64, length uint32) (*record.Record, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "open sstable %s: %v", t.path, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := readFullAt(f, buf, int64(offset)); err != nil {
		return nil, errs.Wrap(errs.Corruption, "read sstable record %s @%d: %v", t.path, offset, err)
	}
	rec, n, err := record.Decode(buf)
	if err != nil {
		return nil, err
	}
	if n != len(buf) {
		return nil, errs.Wrap(errs.Corruption, "sstable record %s @%d decoded short", t.path, offset)
	}
	return rec, nil
}

// Range performs a binary search for the lower bound and sequentially
// decodes until exceeding the upper bound, inclusive on both ends to
// match StreamTable.range's contract (§9).
func (t *Table) Range(start, end int64) ([]*record.Record, error) {
	if end < t.header.MinTs || start > t.header.MaxTs {
		return nil, nil
	}
	if err := t.ensureLoaded(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	lo := sort.Search(len(t.index), func(i int) bool { return t.index[i].ts >= start })
	entries := make([]indexEntry, 0)
	for i := lo; i < len(t.index) && t.index[i].ts <= end; i++ {
		entries = append(entries, t.index[i])
	}
	t.mu.RUnlock()

	if len(entries) == 0 {
		return nil, nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "open sstable %s: %v", t.path, err)
	}
	defer f.Close()

	out := make([]*record.Record, 0, len(entries))
	for _, e := range entries {
		buf := make([]byte, e.length)
		if _, err := readFullAt(f, buf, int64(e.offset)); err != nil {
			return nil, errs.Wrap(errs.Corruption, "read sstable record %s @%d: %v", t.path, e.offset, err)
		}
		rec, n, err := record.Decode(buf)
		if err != nil || n != len(buf) {
			return nil, errs.Wrap(errs.Corruption, "sstable record %s @%d decode failed", t.path, e.offset)
		}
		out = append(out, rec)
	}
	return out, nil
}

// All decodes every record in the table, in ascending timestamp order.
// Used by compaction's k-way merge.
func (t *Table) All() ([]*record.Record, error) {
	if t.header.EntryCount == 0 {
		return nil, nil
	}
	return t.Range(t.header.MinTs, t.header.MaxTs)
}

// Delete removes the backing file. Callers must ensure no reference
// (reader or compactor) still needs it. The LSMTree does so by deleting
// a table only after swapping it out of its level lists under the
// levels lock, which its readers hold while they read.
func (t *Table) Delete() error {
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.IoError, "delete sstable %s: %v", t.path, err)
	}
	return nil
}

// BuildFromMemTable writes records (already sorted ascending by
// timestamp, deduplicated by timestamp) to a new SSTable file at dir/
// L<level>_<seq>.sst, per the construction algorithm in §4.5: reserve
// header+index space, write the bloom, write each record while
// appending its index entry, then seek back and write index and
// header. The file is written as L<level>_<seq>.sst.tmp and renamed to
// its final name only after a sync, so a process crash partway through
// leaves only the .tmp file, which the LSMTree's startup scan ignores.
func BuildFromMemTable(dir string, level int, seq uint64, records []*record.Record, bitsPerKey, numHash uint64) (*Table, error) {
	path := filepath.Join(dir, FileName(level, seq))
	return buildFile(path, level, seq, records, bitsPerKey, numHash)
}

func buildFile(path string, level int, seq uint64, records []*record.Record, bitsPerKey, numHash uint64) (*Table, error) {
	f, err := os.OpenFile(path+".tmp", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "create sstable %s: %v", path, err)
	}

	flt := bloom.New(len(records), bitsPerKey, numHash)
	for _, r := range records {
		flt.Add(r.Timestamp)
	}
	bloomBytes := flt.Serialize()

	// Reserve header space with zero bytes; rewritten at the end.
	if _, err := f.Write(make([]byte, headerSize)); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IoError, "write sstable header placeholder %s: %v", path, err)
	}
	bloomOffset := uint64(headerSize)
	if _, err := f.Write(bloomBytes); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IoError, "write sstable bloom %s: %v", path, err)
	}

	indexOffset := bloomOffset + uint64(len(bloomBytes))
	dataOffset := indexOffset + uint64(len(records))*indexEntrySize

	// Reserve index space; rewritten once data offsets are known.
	if _, err := f.Write(make([]byte, uint64(len(records))*indexEntrySize)); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IoError, "write sstable index placeholder %s: %v", path, err)
	}

	index := make([]indexEntry, len(records))
	offset := dataOffset
	var minTs, maxTs int64
	for i, r := range records {
		payload := r.Encode()
		if _, err := f.Write(payload); err != nil {
			f.Close()
			return nil, errs.Wrap(errs.IoError, "write sstable record %s: %v", path, err)
		}
		index[i] = indexEntry{ts: r.Timestamp, offset: offset, length: uint32(len(payload))}
		offset += uint64(len(payload))
		if i == 0 {
			minTs, maxTs = r.Timestamp, r.Timestamp
		} else {
			if r.Timestamp < minTs {
				minTs = r.Timestamp
			}
			if r.Timestamp > maxTs {
				maxTs = r.Timestamp
			}
		}
	}

	indexBuf := make([]byte, uint64(len(records))*indexEntrySize)
	for i, e := range index {
		base := i * indexEntrySize
		binary.LittleEndian.PutUint64(indexBuf[base:], uint64(e.ts))
		binary.LittleEndian.PutUint64(indexBuf[base+8:], e.offset)
		binary.LittleEndian.PutUint32(indexBuf[base+16:], e.length)
	}
	if _, err := f.WriteAt(indexBuf, int64(indexOffset)); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IoError, "rewrite sstable index %s: %v", path, err)
	}

	header := &Header{
		Version:     formatVersion,
		Level:       level,
		Sequence:    seq,
		EntryCount:  uint64(len(records)),
		MinTs:       minTs,
		MaxTs:       maxTs,
		BloomOffset: bloomOffset,
		IndexOffset: indexOffset,
		DataOffset:  dataOffset,
	}
	if _, err := f.WriteAt(header.encode(), 0); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IoError, "rewrite sstable header %s: %v", path, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IoError, "sync sstable %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, errs.Wrap(errs.IoError, "close sstable %s: %v", path, err)
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		return nil, errs.Wrap(errs.IoError, "finalize sstable %s: %v", path, err)
	}

	return &Table{
		path:   path,
		header: header,
		flt:    flt,
		index:  index,
	}, nil
}

// BuildFromSSTables merges multiple input tables by k-way merging their
// ordered records, latest sequence number winning on equal timestamps,
// producing one output table at dir/L<level>_<seq>.sst.
func BuildFromSSTables(dir string, level int, seq uint64, inputs []*Table, bitsPerKey, numHash uint64) (*Table, error) {
	merged, err := mergeInputs(inputs)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, FileName(level, seq))
	return buildFile(path, level, seq, merged, bitsPerKey, numHash)
}

func mergeInputs(inputs []*Table) ([]*record.Record, error) {
	type stream struct {
		table *Table
		recs  []*record.Record
		pos   int
	}
	streams := make([]*stream, 0, len(inputs))
	for _, t := range inputs {
		recs, err := t.All()
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			streams = append(streams, &stream{table: t, recs: recs})
		}
	}

	// winner-per-timestamp: newest sequence number wins among ties.
	var out []*record.Record
	for {
		bestIdx := -1
		var bestTs int64
		for i, s := range streams {
			if s.pos >= len(s.recs) {
				continue
			}
			ts := s.recs[s.pos].Timestamp
			if bestIdx == -1 || ts < bestTs ||
				(ts == bestTs && s.table.Sequence() > streams[bestIdx].table.Sequence()) {
				bestIdx = i
				bestTs = ts
			}
		}
		if bestIdx == -1 {
			break
		}

		winner := streams[bestIdx].recs[streams[bestIdx].pos]
		out = append(out, winner)

		// Advance every stream positioned at bestTs, so duplicates
		// across inputs are all consumed even though only the winner
		// is emitted.
		for _, s := range streams {
			for s.pos < len(s.recs) && s.recs[s.pos].Timestamp == bestTs {
				s.pos++
			}
		}
	}
	return out, nil
}
