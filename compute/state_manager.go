package compute

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"
	"time"

	"tsdb/errs"
	"tsdb/record"
	"tsdb/table"
)

// State is the opaque payload ComputeStateManager persists and
// restores for one named compute engine (§4.13).
type State struct {
	ComputeName     string
	Timestamp       int64
	Watermark       int64
	WindowID        int64
	ProcessedEvents int64
	OperatorState   []byte
	Metadata        map[string]string
}

// Encode serializes s as a flat, length-prefixed binary record: every
// variable-length field (strings, the opaque blob, the metadata map)
// declares its own size inline so Decode can detect truncation instead
// of reading past the end of a short buffer — the same layout
// discipline record.Record uses for its own wire format.
func (s State) Encode() []byte {
	size := 4 + len(s.ComputeName) + 8 + 8 + 8 + 8 + 4 + len(s.OperatorState) + 4
	for k, v := range s.Metadata {
		size += 4 + len(k) + 4 + len(v)
	}
	buf := make([]byte, size)
	off := 0

	off = putBytes(buf, off, []byte(s.ComputeName))
	binary.LittleEndian.PutUint64(buf[off:], uint64(s.Timestamp))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(s.Watermark))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(s.WindowID))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(s.ProcessedEvents))
	off += 8
	off = putBytes(buf, off, s.OperatorState)

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(s.Metadata)))
	off += 4
	for k, v := range s.Metadata {
		off = putBytes(buf, off, []byte(k))
		off = putBytes(buf, off, []byte(v))
	}
	return buf[:off]
}

func putBytes(buf []byte, off int, b []byte) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(b)))
	off += 4
	copy(buf[off:], b)
	return off + len(b)
}

// DecodeState reconstructs a State from bytes produced by Encode,
// failing with errs.Corruption on any truncated inline length.
func DecodeState(buf []byte) (State, error) {
	var s State
	off := 0

	name, n, err := getBytes(buf, off)
	if err != nil {
		return s, err
	}
	s.ComputeName, off = string(name), n

	if len(buf) < off+32 {
		return s, errs.Wrap(errs.Corruption, "truncated state header")
	}
	s.Timestamp = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	s.Watermark = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	s.WindowID = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	s.ProcessedEvents = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8

	opState, n, err := getBytes(buf, off)
	if err != nil {
		return s, err
	}
	s.OperatorState, off = opState, n

	if len(buf) < off+4 {
		return s, errs.Wrap(errs.Corruption, "truncated metadata count")
	}
	count := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if count > 0 {
		s.Metadata = make(map[string]string, count)
	}
	for i := uint32(0); i < count; i++ {
		k, n, err := getBytes(buf, off)
		if err != nil {
			return s, err
		}
		off = n
		v, n, err := getBytes(buf, off)
		if err != nil {
			return s, err
		}
		off = n
		s.Metadata[string(k)] = string(v)
	}
	return s, nil
}

func getBytes(buf []byte, off int) ([]byte, int, error) {
	if len(buf) < off+4 {
		return nil, 0, errs.Wrap(errs.Corruption, "truncated length prefix")
	}
	l := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if l < 0 || len(buf) < off+l {
		return nil, 0, errs.Wrap(errs.Corruption, "truncated field data")
	}
	return buf[off : off+l], off + l, nil
}

// StateManager implements ComputeStateManager (§4.13) on top of two
// reserved StreamTables ("state" and "checkpoint") rather than a
// bespoke storage format: every save/checkpoint is an ordinary
// immutable insert tagged by compute_name, and "latest wins" falls out
// of the same newest-timestamp-wins convention the LSMTree already
// guarantees, so no separate overwrite path is needed.
type StateManager struct {
	stateTable      *table.StreamTable
	checkpointTable *table.StreamTable
}

// NewStateManager binds a StateManager to its two reserved tables.
func NewStateManager(stateTable, checkpointTable *table.StreamTable) *StateManager {
	return &StateManager{stateTable: stateTable, checkpointTable: checkpointTable}
}

func encodeStateRecord(ts int64, tags map[string]string, s State) *record.Record {
	fields := map[string]string{"payload_hex": hex.EncodeToString(s.Encode())}
	return record.NewScalar(ts, float64(s.ProcessedEvents), tags, fields)
}

func decodeStateRecord(r *record.Record) (State, error) {
	raw, ok := r.Field("payload_hex")
	if !ok {
		return State{}, errs.Wrap(errs.Corruption, "state record missing payload_hex field")
	}
	data, err := hex.DecodeString(raw)
	if err != nil {
		return State{}, errs.Wrap(errs.Corruption, "state record payload_hex is not valid hex: %v", err)
	}
	return DecodeState(data)
}

// latestFor returns the newest non-tombstoned record tagged
// compute_name (and, when checkpointID is non-nil, checkpoint_id) from
// tbl, or nil if none exists or the newest one is a tombstone.
func latestFor(tbl *table.StreamTable, computeName string, checkpointID *int64) (*record.Record, error) {
	filter := table.TagFilter{"compute_name": computeName}
	if checkpointID != nil {
		filter["checkpoint_id"] = strconv.FormatInt(*checkpointID, 10)
	}
	recs, err := tbl.Query(table.TimeRange{Start: -1 << 63, End: 1<<63 - 1}, filter)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp > recs[j].Timestamp })
	latest := recs[0]
	if isTombstone(latest) {
		return nil, nil
	}
	return latest, nil
}

// isTombstone reports whether r marks its subject deleted — DeleteState
// tags "tombstone", DeleteCheckpoint tags "deleted"; either marks the
// newest record for its key as a logical delete.
func isTombstone(r *record.Record) bool {
	if _, ok := r.Tag("tombstone"); ok {
		return true
	}
	_, ok := r.Tag("deleted")
	return ok
}

// SaveState appends a new state snapshot for name, becoming the
// latest by virtue of its timestamp.
func (m *StateManager) SaveState(name string, s State) error {
	s.ComputeName = name
	tags := map[string]string{"compute_name": name, "kind": "state"}
	_, err := m.stateTable.Insert(encodeStateRecord(s.Timestamp, tags, s))
	return err
}

// LoadState returns the most recently saved (and not deleted) state
// for name.
func (m *StateManager) LoadState(name string) (State, error) {
	rec, err := latestFor(m.stateTable, name, nil)
	if err != nil {
		return State{}, err
	}
	if rec == nil {
		return State{}, errs.Wrap(errs.NotFound, "no state saved for %q", name)
	}
	return decodeStateRecord(rec)
}

// HasState reports whether a live (non-tombstoned) state exists.
func (m *StateManager) HasState(name string) (bool, error) {
	rec, err := latestFor(m.stateTable, name, nil)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// DeleteState appends a tombstone record; reclamation of the actual
// bytes happens naturally at the LSMTree's own compaction, not here.
func (m *StateManager) DeleteState(name string) error {
	tags := map[string]string{"compute_name": name, "kind": "state", "tombstone": "true"}
	_, err := m.stateTable.Insert(record.NewScalar(nowMicros(), 0, tags, map[string]string{}))
	return err
}

// CreateCheckpoint snapshots name's current state under checkpointID.
func (m *StateManager) CreateCheckpoint(name string, checkpointID int64) error {
	s, err := m.LoadState(name)
	if err != nil {
		return err
	}
	tags := map[string]string{
		"compute_name":  name,
		"kind":          "checkpoint",
		"checkpoint_id": strconv.FormatInt(checkpointID, 10),
	}
	_, err = m.checkpointTable.Insert(encodeStateRecord(nowMicros(), tags, s))
	return err
}

// RestoreCheckpoint loads a previously created checkpoint verbatim.
func (m *StateManager) RestoreCheckpoint(name string, checkpointID int64) (State, error) {
	rec, err := latestFor(m.checkpointTable, name, &checkpointID)
	if err != nil {
		return State{}, err
	}
	if rec == nil {
		return State{}, errs.Wrap(errs.NotFound, "no checkpoint %d for %q", checkpointID, name)
	}
	return decodeStateRecord(rec)
}

// ListCheckpoints returns every live checkpoint id for name, ascending.
func (m *StateManager) ListCheckpoints(name string) ([]int64, error) {
	recs, err := m.checkpointTable.Query(table.TimeRange{Start: -1 << 63, End: 1<<63 - 1}, table.TagFilter{"compute_name": name})
	if err != nil {
		return nil, err
	}
	latestByID := make(map[int64]*record.Record)
	for _, r := range recs {
		idStr, ok := r.Tag("checkpoint_id")
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		cur, exists := latestByID[id]
		if !exists || r.Timestamp > cur.Timestamp {
			latestByID[id] = r
		}
	}
	ids := make([]int64, 0, len(latestByID))
	for id, r := range latestByID {
		if _, deleted := r.Tag("deleted"); deleted {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// DeleteCheckpoint tombstones a single checkpoint id for name.
func (m *StateManager) DeleteCheckpoint(name string, checkpointID int64) error {
	tags := map[string]string{
		"compute_name":  name,
		"kind":          "checkpoint",
		"checkpoint_id": strconv.FormatInt(checkpointID, 10),
		"deleted":       "true",
	}
	_, err := m.checkpointTable.Insert(record.NewScalar(nowMicros(), 0, tags, map[string]string{}))
	return err
}

// PersistState forces an immediate flush of the state table, for
// callers that need durability guarantees ahead of the next
// background rotation.
func (m *StateManager) PersistState() error {
	return m.stateTable.Flush()
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}
