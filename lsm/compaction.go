package lsm

import (
	"os"

	"go.uber.org/zap"

	"tsdb/errs"
	"tsdb/sstable"
)

// backgroundWorker is the single compaction worker per LSM instance
// (§5): it owns both flush-triggered and size-triggered compaction,
// running one cycle whenever signalCompaction wakes it and otherwise
// idle. Grounded in the teacher's FlushPool loop, collapsed to a
// single worker since this tree's flush already runs synchronously on
// the caller's thread (see flushLocked) and only compaction itself
// needs to run off the write path.
func (t *Tree) backgroundWorker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case <-t.compactSignal:
			t.runCompactionCycle()
		}
	}
}

func (t *Tree) signalCompaction() {
	select {
	case t.compactSignal <- struct{}{}:
	default:
	}
}

// runCompactionCycle repeatedly picks and executes one compaction
// until nothing in the tree exceeds its trigger, so a single L0 flush
// that pushes L0 over threshold can cascade into L1, L2, ... in one
// wakeup instead of waiting for separate signals.
func (t *Tree) runCompactionCycle() {
	for {
		srcLevel, inputs, overlap, dstLevel, ok := t.pickCompaction()
		if !ok {
			return
		}
		if err := t.compact(srcLevel, inputs, overlap, dstLevel); err != nil {
			t.log.Error("compaction cycle failed, will retry on next trigger", zap.Int("src_level", srcLevel), zap.Int("dst_level", dstLevel), zap.Error(err))
			return
		}
	}
}

// pickCompaction chooses the next compaction to run, preferring L0
// (which bounds read amplification from overlapping runs) over any
// size-triggered level above it. L0 compaction always takes every L0
// table; level >= 1 compaction takes the single oldest table in that
// level plus whatever in the next level overlaps its range, so the
// next level's disjoint-range invariant survives the merge.
func (t *Tree) pickCompaction() (srcLevel int, inputs, overlap []*sstable.Table, dstLevel int, ok bool) {
	t.levelsMu.RLock()
	defer t.levelsMu.RUnlock()

	if len(t.levels) < 2 {
		return 0, nil, nil, 0, false
	}

	if uint64(len(t.levels[0])) >= t.cfg.LSM.L0CompactionTrigger {
		l0 := append([]*sstable.Table(nil), t.levels[0]...)
		lo, hi := rangeOf(l0)
		return 0, l0, overlapping(t.levels[1], lo, hi), 1, true
	}

	for level := 1; level < len(t.levels)-1; level++ {
		if len(t.levels[level]) == 0 {
			continue
		}
		size, err := levelSizeBytes(t.levels[level])
		if err != nil {
			continue
		}
		if size <= t.levelThreshold(level) {
			continue
		}
		oldest := t.levels[level][0]
		return level, []*sstable.Table{oldest}, overlapping(t.levels[level+1], oldest.MinTs(), oldest.MaxTs()), level + 1, true
	}
	return 0, nil, nil, 0, false
}

// levelThreshold returns the byte-size trigger for level >= 1:
// base_level_size_bytes * level_size_multiplier^(level-1).
func (t *Tree) levelThreshold(level int) uint64 {
	threshold := t.cfg.LSM.BaseLevelSizeBytes
	for i := 1; i < level; i++ {
		threshold *= t.cfg.LSM.LevelSizeMultiplier
	}
	return threshold
}

func levelSizeBytes(tables []*sstable.Table) (uint64, error) {
	var total uint64
	for _, tbl := range tables {
		info, err := os.Stat(tbl.Path())
		if err != nil {
			return 0, errs.Wrap(errs.IoError, "stat sstable %s: %v", tbl.Path(), err)
		}
		total += uint64(info.Size())
	}
	return total, nil
}

// compact merges inputs (from srcLevel) and overlap (from dstLevel)
// into one new SSTable at dstLevel, swaps the level lists under a
// brief exclusive lock, then deletes the superseded files. A process
// crash between building the merged file and swapping the lists
// leaves the old files in place beside the merged file. The startup
// scan attaches every L<level>_<seq>.sst file, so the merged file is
// referenced again after restart alongside the inputs it duplicates;
// reads see the same data because the merged file carries the higher
// sequence number. Nothing removes the duplicated input files.
func (t *Tree) compact(srcLevel int, inputs, overlap []*sstable.Table, dstLevel int) error {
	all := make([]*sstable.Table, 0, len(inputs)+len(overlap))
	all = append(all, inputs...)
	all = append(all, overlap...)

	seq := t.nextSeq()
	merged, err := sstable.BuildFromSSTables(t.dataDir, dstLevel, seq, all, t.cfg.BloomFilter.BitsPerKey, t.cfg.BloomFilter.NumHashFunctions)
	if err != nil {
		return err
	}

	t.levelsMu.Lock()
	t.levels[srcLevel] = removeTables(t.levels[srcLevel], inputs)
	if dstLevel != srcLevel {
		t.levels[dstLevel] = removeTables(t.levels[dstLevel], overlap)
	}
	t.levels[dstLevel] = append(t.levels[dstLevel], merged)
	sortLevel(t.levels[dstLevel])
	t.levelsMu.Unlock()

	for _, tbl := range all {
		if err := tbl.Delete(); err != nil {
			t.log.Warn("failed to delete superseded sstable after compaction", zap.String("path", tbl.Path()), zap.Error(err))
		}
	}
	return nil
}

func rangeOf(tables []*sstable.Table) (lo, hi int64) {
	lo, hi = tables[0].MinTs(), tables[0].MaxTs()
	for _, tbl := range tables[1:] {
		if tbl.MinTs() < lo {
			lo = tbl.MinTs()
		}
		if tbl.MaxTs() > hi {
			hi = tbl.MaxTs()
		}
	}
	return
}

func overlapping(tables []*sstable.Table, lo, hi int64) []*sstable.Table {
	out := make([]*sstable.Table, 0)
	for _, tbl := range tables {
		if tbl.MaxTs() < lo || tbl.MinTs() > hi {
			continue
		}
		out = append(out, tbl)
	}
	return out
}

// removeTables filters remove out of level, in place, preserving
// order of the survivors.
func removeTables(level []*sstable.Table, remove []*sstable.Table) []*sstable.Table {
	removeSet := make(map[*sstable.Table]bool, len(remove))
	for _, tbl := range remove {
		removeSet[tbl] = true
	}
	out := level[:0]
	for _, tbl := range level {
		if !removeSet[tbl] {
			out = append(out, tbl)
		}
	}
	return out
}
