package capstore

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

func fillJournal(db *DB, n int) []RecordID {
	ids := make([]RecordID, 0, n)
	db.Write(func(tx *Tx) {
		for i := 1; i <= n; i++ {
			ids = append(ids, must(tx.Insert(journalStore, logRec(uint32(i), 1, 100))))
		}
	})
	return ids
}

func TestMarkers_Defaults(t *testing.T) {
	db := setup(t, testSchema)

	ms := db.Store(journalStore).Stats().Markers
	isnonnil(t, ms)
	deepEqual(t, ms.NumToKeep, 10)
	deepEqual(t, ms.MinBytesPerMarker, 1000)
	deepEqual(t, ms.Count, 0)

	isnil(t, db.Store(plainStore).Stats().Markers)
}

func TestMarkers_AccumulateDuringInserts(t *testing.T) {
	db := setup(t, testSchema)
	ids := fillJournal(db, 25)

	st := db.Store(journalStore)
	stats := st.Stats().Markers
	deepEqual(t, stats.Count, 2)
	deepEqual(t, stats.PendingRecords, 5)
	deepEqual(t, stats.PendingBytes, 500)

	deepEqual(t, st.markers.snapshotMarkers(), []marker{
		{10, 1000, ids[9]},
		{10, 1000, ids[19]},
	})
}

func TestMarkers_RebuildByScanningOnOpen(t *testing.T) {
	path := tempPath(t)
	db := must(Open(path, testSchema, Options{IsTesting: true}))
	ids := fillJournal(db, 25)
	db.Close()

	db = must(Open(path, testSchema, Options{IsTesting: true}))
	t.Cleanup(db.Close)

	st := db.Store(journalStore)
	deepEqual(t, st.NumRecords(), 25)
	deepEqual(t, st.DataSize(), 2500)
	deepEqual(t, st.markers.snapshotMarkers(), []marker{
		{10, 1000, ids[9]},
		{10, 1000, ids[19]},
	})

	stats := st.Stats().Markers
	deepEqual(t, stats.PendingRecords, 5)
	deepEqual(t, stats.PendingBytes, 500)
}

func TestMarkers_ScanRepairsCounters(t *testing.T) {
	path := tempPath(t)
	db := must(Open(path, testSchema, Options{IsTesting: true}))
	fillJournal(db, 25)
	db.Close()

	// Forge a state record with counters that survived a crash badly.
	bdb := must(bbolt.Open(path, 0666, nil))
	ensure(bdb.Update(func(btx *bbolt.Tx) error {
		meta := &storeMeta{
			FormatVersion: currentFormatVersion,
			StoreID:       uuid.NewString(),
			Capped:        true,
			MaxBytes:      10000,
			Log:           true,
			NumRecords:    7,
			DataSize:      70,
			LastSeen:      time.Now(),
		}
		return btx.Bucket([]byte("Journal")).Put(storeStateKey, encodeStoreMeta(meta))
	}))
	ensure(bdb.Close())

	db = must(Open(path, testSchema, Options{IsTesting: true}))
	t.Cleanup(db.Close)

	// The marker scan recounts the store and fixes the counters.
	st := db.Store(journalStore)
	deepEqual(t, st.NumRecords(), 25)
	deepEqual(t, st.DataSize(), 2500)
	deepEqual(t, st.Stats().Markers.Count, 2)
}

func TestMarkers_RebuildBySamplingOnOpen(t *testing.T) {
	schema := NewSchema()
	feed := AddStore(schema, "Feed", StoreOptions{
		Capped:         true,
		MaxBytes:       100000,
		Log:            true,
		ExtractLogTime: testLogTime,
		NoReclaimer:    true,
	})

	path := tempPath(t)
	db := must(Open(path, schema, Options{IsTesting: true}))
	db.Write(func(tx *Tx) {
		for i := 1; i <= 2000; i++ {
			must(tx.Insert(feed, logRec(uint32(i), 1, 50)))
		}
	})
	db.Close()

	db = must(Open(path, schema, Options{IsTesting: true}))
	t.Cleanup(db.Close)

	st := db.Store(feed)
	deepEqual(t, st.NumRecords(), 2000)
	deepEqual(t, st.DataSize(), 100000)

	stats := st.Stats().Markers
	deepEqual(t, stats.Count, 10)
	deepEqual(t, stats.PendingRecords, 0)
	deepEqual(t, stats.PendingBytes, 0)

	markers := st.markers.snapshotMarkers()
	for i, m := range markers {
		deepEqual(t, m.records, 200)
		deepEqual(t, m.bytes, 10000)
		if i > 0 && m.lastRecord < markers[i-1].lastRecord {
			t.Fatalf("marker %d at %v is below marker %d at %v", i, m.lastRecord, i-1, markers[i-1].lastRecord)
		}
	}
}

func TestMarkers_TruncateAfter(t *testing.T) {
	t.Run("at a section boundary", func(t *testing.T) {
		db := setup(t, testSchema)
		ids := fillJournal(db, 25)

		ensure(db.TruncateAfter(journalStore, LogTime{15, 1}.ID(), false))

		st := db.Store(journalStore)
		deepEqual(t, st.NumRecords(), 15)
		deepEqual(t, st.DataSize(), 1500)

		// The r20 marker is gone, its untruncated remainder folded back into
		// the accumulator.
		deepEqual(t, st.markers.snapshotMarkers(), []marker{{10, 1000, ids[9]}})
		stats := st.Stats().Markers
		deepEqual(t, stats.PendingRecords, 5)
		deepEqual(t, stats.PendingBytes, 500)

		db.Read(func(tx *Tx) {
			isempty(t, tx.Find(journalStore, ids[15]))
			deepEqual(t, len(collect(tx.Cursor(journalStore, true))), 15)
		})

		// Inserting past the cut works and becomes visible.
		db.Write(func(tx *Tx) {
			must(tx.Insert(journalStore, logRec(16, 1, 100)))
		})
		db.Read(func(tx *Tx) {
			deepEqual(t, len(collect(tx.Cursor(journalStore, true))), 16)
		})
	})

	t.Run("inside a section", func(t *testing.T) {
		db := setup(t, testSchema)
		ids := fillJournal(db, 25)

		ensure(db.TruncateAfter(journalStore, LogTime{12, 1}.ID(), false))

		st := db.Store(journalStore)
		deepEqual(t, st.NumRecords(), 12)
		deepEqual(t, st.DataSize(), 1200)

		deepEqual(t, st.markers.snapshotMarkers(), []marker{{10, 1000, ids[9]}})
		stats := st.Stats().Markers
		deepEqual(t, stats.PendingRecords, 2)
		deepEqual(t, stats.PendingBytes, 200)
	})

	t.Run("inclusive", func(t *testing.T) {
		db := setup(t, testSchema)
		ids := fillJournal(db, 25)

		ensure(db.TruncateAfter(journalStore, LogTime{12, 1}.ID(), true))

		st := db.Store(journalStore)
		deepEqual(t, st.NumRecords(), 11)
		deepEqual(t, st.DataSize(), 1100)

		deepEqual(t, st.markers.snapshotMarkers(), []marker{{10, 1000, ids[9]}})
		stats := st.Stats().Markers
		deepEqual(t, stats.PendingRecords, 1)
		deepEqual(t, stats.PendingBytes, 100)
	})

	t.Run("missing end record", func(t *testing.T) {
		db := setup(t, testSchema)
		fillJournal(db, 25)

		err := db.TruncateAfter(journalStore, LogTime{99, 1}.ID(), false)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("TruncateAfter(missing) err = %v, wanted ErrNotFound", err)
		}
		deepEqual(t, db.Store(journalStore).NumRecords(), 25)
	})
}

func TestMarkers_TruncateClearsEverything(t *testing.T) {
	db := setup(t, testSchema)
	ids := fillJournal(db, 25)

	ensure(db.Truncate(journalStore))

	st := db.Store(journalStore)
	deepEqual(t, st.NumRecords(), 0)
	deepEqual(t, st.DataSize(), 0)

	stats := st.Stats().Markers
	deepEqual(t, stats.Count, 0)
	deepEqual(t, stats.PendingRecords, 0)
	deepEqual(t, stats.PendingBytes, 0)

	db.Read(func(tx *Tx) {
		isempty(t, tx.Find(journalStore, ids[0]))
	})

	// The store accumulates markers again from scratch.
	db.Write(func(tx *Tx) {
		for i := 26; i <= 35; i++ {
			must(tx.Insert(journalStore, logRec(uint32(i), 1, 100)))
		}
	})
	deepEqual(t, st.Stats().Markers.Count, 1)
}

func TestMarkers_Tuning(t *testing.T) {
	db := setup(t, testSchema)
	st := db.Store(journalStore)

	err := st.SetMinBytesPerMarker(0)
	if !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("SetMinBytesPerMarker(0) err = %v, wanted ErrInvalidOptions", err)
	}
	err = st.SetNumMarkersToKeep(-1)
	if !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("SetNumMarkersToKeep(-1) err = %v, wanted ErrInvalidOptions", err)
	}

	err = db.Store(plainStore).SetMinBytesPerMarker(100)
	if !errors.Is(err, ErrIllegalOperation) {
		t.Fatalf("SetMinBytesPerMarker on a plain store err = %v, wanted ErrIllegalOperation", err)
	}

	// While the store is empty, retuning is allowed and takes effect.
	ensure(st.SetMinBytesPerMarker(300))
	db.Write(func(tx *Tx) {
		for i := 1; i <= 7; i++ {
			must(tx.Insert(journalStore, logRec(uint32(i), 1, 100)))
		}
	})
	stats := st.Stats().Markers
	deepEqual(t, stats.Count, 2)
	deepEqual(t, stats.MinBytesPerMarker, 300)
	deepEqual(t, stats.PendingRecords, 1)
	deepEqual(t, stats.PendingBytes, 100)

	// Once the store holds data, retuning is rejected.
	err = st.SetMinBytesPerMarker(500)
	if !errors.Is(err, ErrIllegalOperation) {
		t.Fatalf("SetMinBytesPerMarker on a non-empty store err = %v, wanted ErrIllegalOperation", err)
	}
	err = st.SetNumMarkersToKeep(5)
	if !errors.Is(err, ErrIllegalOperation) {
		t.Fatalf("SetNumMarkersToKeep on a non-empty store err = %v, wanted ErrIllegalOperation", err)
	}
}
