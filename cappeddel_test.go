package capstore

import (
	"errors"
	"testing"
	"time"
)

func TestCappedDelete_BySize(t *testing.T) {
	db := setup(t, testSchema)

	for i := 1; i <= 15; i++ {
		db.Write(func(tx *Tx) {
			must(tx.Insert(boundedStore, fill(byte(i), 100)))
		})
	}

	st := db.Store(boundedStore)
	deepEqual(t, st.NumRecords(), 10)
	deepEqual(t, st.DataSize(), 1000)

	db.Read(func(tx *Tx) {
		isempty(t, tx.Find(boundedStore, 5))
		deepEqual(t, tx.Find(boundedStore, 6), fill(6, 100))
		deepEqual(t, collect(tx.Cursor(boundedStore, true)), []RecordID{6, 7, 8, 9, 10, 11, 12, 13, 14, 15})
	})

	stats := st.Stats()
	deepEqual(t, stats.TruncatePasses, 5)
	deepEqual(t, stats.TruncatedRecords, 5)
	deepEqual(t, stats.TruncatedBytes, 500)
}

func TestCappedDelete_ByDocs(t *testing.T) {
	db := setup(t, testSchema)

	for i := 1; i <= 8; i++ {
		db.Write(func(tx *Tx) {
			must(tx.Insert(countedStore, fill(byte(i), 10)))
		})
	}

	st := db.Store(countedStore)
	deepEqual(t, st.NumRecords(), 5)
	db.Read(func(tx *Tx) {
		deepEqual(t, collect(tx.Cursor(countedStore, true)), []RecordID{4, 5, 6, 7, 8})
	})
}

func TestCappedDelete_ExactFitDeletesNothing(t *testing.T) {
	db := setup(t, testSchema)

	db.Write(func(tx *Tx) {
		must(tx.Insert(boundedStore, fill(1, 1000)))
	})

	st := db.Store(boundedStore)
	deepEqual(t, st.NumRecords(), 1)
	deepEqual(t, st.DataSize(), 1000)
	deepEqual(t, st.Stats().TruncatePasses, 0)
}

func TestCappedDelete_OversizeRecordRejected(t *testing.T) {
	db := setup(t, testSchema)

	db.Write(func(tx *Tx) {
		_, err := tx.Insert(boundedStore, fill(1, 1001))
		if !errors.Is(err, ErrInvalidOptions) {
			t.Fatalf("Insert(oversize) err = %v, wanted ErrInvalidOptions", err)
		}
	})
	deepEqual(t, db.Store(boundedStore).NumRecords(), 0)
}

func TestCappedDelete_NeverPassesInsertionPoint(t *testing.T) {
	schema := NewSchema()
	events := AddStore(schema, "Events", StoreOptions{Capped: true, MaxBytes: 500})
	db := setup(t, schema)

	// A single transaction far overshoots the cap. Each record's cleanup only
	// considers records older than itself, and stops once the overage is gone.
	db.Write(func(tx *Tx) {
		for i := 1; i <= 20; i++ {
			must(tx.Insert(events, fill(byte(i), 100)))
		}
	})

	st := db.Store(events)
	deepEqual(t, st.NumRecords(), 5)
	deepEqual(t, st.DataSize(), 500)
	db.Read(func(tx *Tx) {
		deepEqual(t, collect(tx.Cursor(events, true)), []RecordID{16, 17, 18, 19, 20})
	})
}

func TestCappedDelete_Callback(t *testing.T) {
	var removed []RecordID
	schema := NewSchema()
	events := AddStore(schema, "Events", StoreOptions{
		Capped:   true,
		MaxBytes: 1000,
		OnCappedDelete: func(tx *Tx, id RecordID, payload []byte) error {
			deepEqual(t, payload, fill(byte(id), 100))
			removed = append(removed, id)
			return nil
		},
	})
	db := setup(t, schema)

	for i := 1; i <= 15; i++ {
		db.Write(func(tx *Tx) {
			must(tx.Insert(events, fill(byte(i), 100)))
		})
	}

	deepEqual(t, removed, []RecordID{1, 2, 3, 4, 5})
}

func TestCappedDelete_CallbackVeto(t *testing.T) {
	schema := NewSchema()
	events := AddStore(schema, "Events", StoreOptions{
		Capped:   true,
		MaxBytes: 1000,
		OnCappedDelete: func(tx *Tx, id RecordID, payload []byte) error {
			return errors.New("keep everything")
		},
	})
	db := setup(t, schema)

	for i := 1; i <= 12; i++ {
		db.Write(func(tx *Tx) {
			must(tx.Insert(events, fill(byte(i), 100)))
		})
	}

	// Vetoed cleanups leave the store over its cap.
	st := db.Store(events)
	deepEqual(t, st.NumRecords(), 12)
	deepEqual(t, st.DataSize(), 1200)
	deepEqual(t, st.Stats().TruncatePasses, 0)
}

func TestCappedDelete_MaxDeletesPerPass(t *testing.T) {
	schema := NewSchema()
	events := AddStore(schema, "Events", StoreOptions{
		Capped:            true,
		MaxBytes:          1000,
		MaxDeletesPerPass: 3,
		DeleteLockWait:    time.Millisecond,
	})
	db := setup(t, schema)

	st := db.Store(events)

	// Hold the cleanup lock so the store runs far over its cap.
	st.cappedLock()
	for i := 1; i <= 20; i++ {
		db.Write(func(tx *Tx) {
			must(tx.Insert(events, fill(byte(i), 100)))
		})
	}
	st.cappedUnlock()
	deepEqual(t, st.NumRecords(), 20)

	// The next insert gets the lock, but its pass stops at the limit.
	db.Write(func(tx *Tx) {
		must(tx.Insert(events, fill(21, 100)))
	})
	deepEqual(t, st.NumRecords(), 18)
	deepEqual(t, st.DataSize(), 1800)

	stats := st.Stats()
	deepEqual(t, stats.TruncatePasses, 1)
	deepEqual(t, stats.TruncatedRecords, 3)
}

func TestCappedDelete_Backpressure(t *testing.T) {
	schema := NewSchema()
	events := AddStore(schema, "Events", StoreOptions{
		Capped:         true,
		MaxBytes:       1000,
		DeleteSlack:    100,
		DeleteLockWait: 20 * time.Millisecond,
	})
	db := setup(t, schema)

	for i := 1; i <= 10; i++ {
		db.Write(func(tx *Tx) {
			must(tx.Insert(events, fill(byte(i), 100)))
		})
	}

	st := db.Store(events)
	st.cappedLock()

	// Within the slack the insert shrugs and moves on without waiting.
	db.Write(func(tx *Tx) {
		must(tx.Insert(events, fill(11, 99)))
	})
	deepEqual(t, st.Stats().CappedSleeps, 0)

	// Past the slack it waits out the lock timeout before giving up.
	db.Write(func(tx *Tx) {
		must(tx.Insert(events, fill(12, 1)))
	})
	stats := st.Stats()
	deepEqual(t, stats.CappedSleeps, 1)
	if stats.CappedSleepDur < 15*time.Millisecond {
		t.Fatalf("CappedSleepDur = %v, wanted at least the lock timeout", stats.CappedSleepDur)
	}

	st.cappedUnlock()
	deepEqual(t, st.NumRecords(), 12)
}
