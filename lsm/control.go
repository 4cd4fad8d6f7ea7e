package lsm

import "tsdb/memtable"

// ForceFlush seals the active memtable (even if not yet full) and
// flushes it synchronously, for callers that need an immediate
// durability boundary (StreamTable.Flush, ComputeStateManager's
// persist_state request in §4.13).
func (t *Tree) ForceFlush() error {
	t.memMu.Lock()
	defer t.memMu.Unlock()
	if t.active.Count() == 0 {
		return nil
	}
	return t.rotateLocked()
}

// MemTableBytes returns the combined approximate in-memory footprint
// of the active memtable and, if one is mid-flush, the sealed
// immutable memtable — the figure TableManager sums across tables to
// enforce its global memory ceiling (§4.9).
func (t *Tree) MemTableBytes() uint64 {
	t.memMu.Lock()
	defer t.memMu.Unlock()
	total := t.active.SizeBytes()
	if t.immutable != nil {
		total += t.immutable.SizeBytes()
	}
	return total
}

// RequestCompaction wakes the background worker out of band, for
// callers that want to nudge compaction without waiting for the next
// flush-triggered signal.
func (t *Tree) RequestCompaction() {
	t.signalCompaction()
}

// Clear wipes every record the tree holds: the in-memory tables, the
// WAL, and every SSTable across every level. Used by StreamTable.Clear
// and by tests that want a fresh table without reopening the
// directory from scratch.
func (t *Tree) Clear() error {
	t.memMu.Lock()
	defer t.memMu.Unlock()

	t.active = memtable.New(t.cfg.MemTable.MaxBytes)
	t.immutable = nil
	if err := t.wal.Clear(); err != nil {
		return err
	}

	t.levelsMu.Lock()
	defer t.levelsMu.Unlock()
	for level := range t.levels {
		for _, tbl := range t.levels[level] {
			if err := tbl.Delete(); err != nil {
				return err
			}
		}
		t.levels[level] = nil
	}
	return nil
}
