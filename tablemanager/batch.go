package tablemanager

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tsdb/errs"
	"tsdb/record"
	"tsdb/table"
)

// InsertBatchToTables fans inserts out across multiple named stream
// tables concurrently (§4.9), returning each table's assigned logical
// indices. Before fanning out it checks the global memory ceiling, if
// one is configured, and triggers FlushAll synchronously when the
// combined footprint exceeds it — inserts are never rejected for this
// reason, only delayed behind the flush.
//
// Every record in the batch is tagged with a shared batch_id (so a
// later query can recover which records were admitted together, e.g.
// for replay or audit) before being handed to its table.
func (m *Manager) InsertBatchToTables(batches map[string][]*record.Record) (map[string][]int, error) {
	if err := m.enforceGlobalMemoryLimit(); err != nil {
		return nil, err
	}

	batchID := uuid.NewString()
	var mu sync.Mutex
	results := make(map[string][]int, len(batches))

	var g errgroup.Group
	for name, recs := range batches {
		name, recs := name, recs
		g.Go(func() error {
			st, err := m.GetStreamTable(name)
			if err != nil {
				return err
			}
			tagged := make([]*record.Record, len(recs))
			for i, r := range recs {
				cp := r.Clone()
				if cp.Tags == nil {
					cp.Tags = make(map[string]string, 1)
				}
				cp.Tags["batch_id"] = batchID
				tagged[i] = cp
			}
			indices, err := st.InsertBatch(tagged)
			if err != nil {
				return err
			}
			mu.Lock()
			results[name] = indices
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// QueryBatchFromTables fans range queries out across multiple named
// tables concurrently.
func (m *Manager) QueryBatchFromTables(queries map[string]table.TimeRange) (map[string][]*record.Record, error) {
	var mu sync.Mutex
	results := make(map[string][]*record.Record, len(queries))

	var g errgroup.Group
	for name, tr := range queries {
		name, tr := name, tr
		g.Go(func() error {
			st, err := m.GetStreamTable(name)
			if err != nil {
				return err
			}
			recs, err := st.Query(tr, nil)
			if err != nil {
				return err
			}
			mu.Lock()
			results[name] = recs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// FlushAll forces every registered table's active memtable to disk.
func (m *Manager) FlushAll() error {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.tables))
	for _, e := range m.tables {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if e.kind == KindStream {
				return e.st.Flush()
			}
			return e.jt.Flush()
		})
	}
	return g.Wait()
}

// CompactAll requests an out-of-band compaction cycle on every
// registered table.
func (m *Manager) CompactAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.tables {
		if e.kind == KindStream {
			e.st.Compact()
		} else {
			e.jt.Compact()
		}
	}
}

func (m *Manager) enforceGlobalMemoryLimit() error {
	if !m.globalLimitSet {
		return nil
	}
	m.mu.RLock()
	var total uint64
	for _, e := range m.tables {
		if e.kind == KindStream {
			total += e.st.MemTableBytes()
		} else {
			total += e.jt.MemTableBytes()
		}
	}
	m.mu.RUnlock()

	if total <= m.globalLimitB {
		return nil
	}
	if err := m.FlushAll(); err != nil {
		return errs.Wrap(errs.IoError, "global memory limit flush-all failed: %v", err)
	}
	return nil
}
