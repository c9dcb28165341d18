package capstore

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const currentFormatVersion = 1

// Counters are written back into the state record roughly every this many
// changes, and again when the database closes.
const stateSaveInterval = 1000

var storeStateKey = []byte("_state")

// storeMeta is the persisted portion of a store's state, stored under the
// _state key of the store's root bucket as msgpack followed by an 8-byte
// big-endian xxhash64 of the msgpack bytes.
type storeMeta struct {
	FormatVersion uint32    `msgpack:"v"`
	StoreID       string    `msgpack:"id"`
	Capped        bool      `msgpack:"c,omitempty"`
	MaxBytes      int64     `msgpack:"mb,omitempty"`
	MaxDocs       int64     `msgpack:"md,omitempty"`
	Log           bool      `msgpack:"l,omitempty"`
	NumRecords    int64     `msgpack:"n"`
	DataSize      int64     `msgpack:"sz"`
	LastSeen      time.Time `msgpack:"t"`
}

func encodeStoreMeta(meta *storeMeta) []byte {
	var bb bytesBuilder
	enc := msgpack.NewEncoder(&bb)
	ensure(enc.Encode(meta))
	bb.AppendFixedUint64(xxhash.Sum64(bb.Buf))
	return bb.Buf
}

func decodeStoreMeta(store string, raw []byte) (*storeMeta, error) {
	if len(raw) <= 8 {
		return nil, storeErrName(store, 0, ErrCorrupted, "store state record too short (%d bytes)", len(raw))
	}
	body, trailer := raw[:len(raw)-8], raw[len(raw)-8:]
	wanted := binary.BigEndian.Uint64(trailer)
	if actual := xxhash.Sum64(body); actual != wanted {
		return nil, storeErrName(store, 0, ErrCorrupted, "store state checksum mismatch: %016x != %016x", actual, wanted)
	}
	meta := new(storeMeta)
	if err := msgpack.Unmarshal(body, meta); err != nil {
		return nil, storeErrName(store, 0, err, "failed to decode store state")
	}
	if meta.FormatVersion != currentFormatVersion {
		return nil, storeErrName(store, 0, ErrIncompatibleVersion, "store format version %d, this build handles %d", meta.FormatVersion, currentFormatVersion)
	}
	return meta, nil
}

// Store is the runtime state of a record store inside an open DB: counters,
// identifier allocation, visibility tracking and truncation state.
type Store struct {
	db  *DB
	def *StoreDef
	id  uuid.UUID

	numRecords     atomic.Int64
	dataSize       atomic.Int64
	unsavedChanges atomic.Int64

	nextID atomic.Uint64 // counter-mode allocator

	mut         sync.Mutex // guards uncommitted and highestSeen
	uncommitted *btree.BTreeG[RecordID]
	highestSeen RecordID

	cappedDeleteSem chan struct{}
	cappedSleeps    atomic.Int64
	cappedSleepNS   atomic.Int64

	truncatePasses   atomic.Int64
	truncatedRecords atomic.Int64
	truncatedBytes   atomic.Int64

	markers *markerSet // log stores only

	shutdown atomic.Bool
}

func (db *DB) storeState(def *StoreDef) *Store {
	return db.storeStates[def.pos]
}

// Store returns the runtime handle of a store in this open database.
func (db *DB) Store(def *StoreDef) *Store {
	return db.storeState(def)
}

func (def *StoreDef) rootBucketIn(stx storageTx) storageBucket {
	b := stx.Bucket(def.buck.String(), "")
	if b == nil {
		panic(fmt.Errorf("store %s: missing root bucket", def.name))
	}
	return b
}

func (def *StoreDef) dataBucketIn(stx storageTx) storageBucket {
	b := stx.Bucket(def.buck.String(), dataBucket.String())
	if b == nil {
		panic(fmt.Errorf("store %s: missing data bucket", def.name))
	}
	return b
}

func prepareStore(tx *Tx, def *StoreDef) (*Store, error) {
	rootB := must(tx.stx.CreateBucket(def.buck.String(), ""))
	dataB := must(tx.stx.CreateBucket(def.buck.String(), dataBucket.String()))

	st := &Store{
		db:              tx.db,
		def:             def,
		uncommitted:     btree.NewOrderedG[RecordID](8),
		cappedDeleteSem: make(chan struct{}, 1),
	}

	var meta *storeMeta
	if raw := rootB.Get(storeStateKey); raw != nil {
		var err error
		meta, err = decodeStoreMeta(def.name, raw)
		if err != nil {
			return nil, err
		}
		if meta.Capped != def.capped || meta.MaxBytes != def.maxBytes || meta.MaxDocs != def.maxDocs || meta.Log != def.log {
			tx.db.logf("db: store %s: capped configuration changed, now capped=%v maxBytes=%d maxDocs=%d log=%v", def.name, def.capped, def.maxBytes, def.maxDocs, def.log)
		}
	}
	if meta == nil {
		n, size, err := recountStore(dataB)
		if err != nil {
			return nil, err
		}
		meta = &storeMeta{
			FormatVersion: currentFormatVersion,
			StoreID:       uuid.NewString(),
			NumRecords:    n,
			DataSize:      size,
		}
	}

	var err error
	st.id, err = uuid.Parse(meta.StoreID)
	if err != nil {
		return nil, storeErrf(def, 0, ErrCorrupted, "bad store id %q", meta.StoreID)
	}

	st.numRecords.Store(meta.NumRecords)
	st.dataSize.Store(meta.DataSize)

	if k, _ := dataB.Cursor().Last(); k != nil {
		last, err := recordIDFromKey(k)
		if err != nil {
			return nil, storeErrf(def, 0, ErrCorrupted, "bad last record key %s", hexstr(k))
		}
		st.seedIDsFrom(last)
	} else {
		st.seedIDsFrom(0)
	}

	return st, nil
}

func recountStore(dataB storageBucket) (n, size int64, err error) {
	c := dataB.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if _, err := recordIDFromKey(k); err != nil {
			return 0, 0, err
		}
		n++
		size += int64(len(v))
	}
	return n, size, nil
}

func (st *Store) saveMeta(tx *Tx) {
	meta := &storeMeta{
		FormatVersion: currentFormatVersion,
		StoreID:       st.id.String(),
		Capped:        st.def.capped,
		MaxBytes:      st.def.maxBytes,
		MaxDocs:       st.def.maxDocs,
		Log:           st.def.log,
		NumRecords:    st.numRecords.Load(),
		DataSize:      st.dataSize.Load(),
		LastSeen:      time.Now(),
	}
	rootB := st.def.rootBucketIn(tx.stx)
	ensure(rootB.Put(storeStateKey, encodeStoreMeta(meta)))
}

func (st *Store) changeNumRecords(tx *Tx, diff int64) {
	applyCounterDiff(&st.numRecords, diff)
	tx.OnRollback(func() {
		applyCounterDiff(&st.numRecords, -diff)
	})
	st.noteStateChange(tx)
}

func (st *Store) increaseDataSize(tx *Tx, diff int64) {
	applyCounterDiff(&st.dataSize, diff)
	tx.OnRollback(func() {
		applyCounterDiff(&st.dataSize, -diff)
	})
	st.noteStateChange(tx)
}

func applyCounterDiff(counter *atomic.Int64, diff int64) {
	// A negative result means the original value was bogus (typically after
	// an unclean shutdown); reset to something sane.
	if counter.Add(diff) < 0 {
		counter.Store(max(diff, 0))
	}
}

func (st *Store) noteStateChange(tx *Tx) {
	if st.unsavedChanges.Add(1)%stateSaveInterval == 0 {
		st.saveMeta(tx)
	}
}

// updateStatsAfterRepair overwrites both counters with freshly scanned values.
func (st *Store) updateStatsAfterRepair(tx *Tx, numRecords, dataSize int64) {
	st.numRecords.Store(numRecords)
	st.dataSize.Store(dataSize)
	st.saveMeta(tx)
}

// registerUncommitted hides id (and everything after it) from concurrent
// readers until the inserting transaction resolves either way.
func (st *Store) registerUncommitted(tx *Tx, id RecordID) {
	st.mut.Lock()
	st.uncommitted.ReplaceOrInsert(id)
	if id > st.highestSeen {
		st.highestSeen = id
	}
	st.mut.Unlock()
	tx.OnCommit(func() { st.dropUncommitted(id) })
	tx.OnRollback(func() { st.dropUncommitted(id) })
}

func (st *Store) dropUncommitted(id RecordID) {
	st.mut.Lock()
	st.uncommitted.Delete(id)
	st.mut.Unlock()
}

func (st *Store) isCappedHidden(id RecordID) bool {
	st.mut.Lock()
	defer st.mut.Unlock()
	if st.uncommitted.Len() == 0 {
		return false
	}
	lowest, _ := st.uncommitted.Min()
	return lowest <= id
}

func (st *Store) lowestUncommitted() (RecordID, bool) {
	st.mut.Lock()
	defer st.mut.Unlock()
	return st.uncommitted.Min()
}

// logReadBound is the default per-transaction read bound of a log store:
// everything up to the highest committed identifier when no insert is in
// flight, otherwise everything before the lowest in-flight one.
func (st *Store) logReadBound() RecordID {
	st.mut.Lock()
	defer st.mut.Unlock()
	if lowest, ok := st.uncommitted.Min(); ok {
		return lowest
	}
	return st.highestSeen
}

func (st *Store) lowerHighestSeen(id RecordID) {
	st.mut.Lock()
	if st.highestSeen > id {
		st.highestSeen = id
	}
	st.mut.Unlock()
}

// Def returns the schema definition this store was opened with.
func (st *Store) Def() *StoreDef {
	return st.def
}

// ID returns the store identity assigned when the store was first created.
func (st *Store) ID() uuid.UUID {
	return st.id
}

// NumRecords returns the live record count. The value is maintained
// optimistically and can drift after a crash; Validate repairs it.
func (st *Store) NumRecords() int64 {
	return st.numRecords.Load()
}

// DataSize returns the total payload bytes. Same caveats as NumRecords.
func (st *Store) DataSize() int64 {
	return st.dataSize.Load()
}

func (st *Store) IsShutDown() bool {
	return st.shutdown.Load()
}

func (st *Store) shutDown() {
	st.cappedLock()
	st.shutdown.Store(true)
	st.cappedUnlock()
	if st.markers != nil {
		st.markers.kill()
	}
}
