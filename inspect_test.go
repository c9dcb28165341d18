package capstore

import (
	"errors"
	"slices"
	"testing"
)

func TestInspect(t *testing.T) {
	path := tempPath(t)
	db := must(Open(path, testSchema, Options{IsTesting: true}))
	db.Write(func(tx *Tx) {
		must(tx.Insert(plainStore, x("01")))
		must(tx.Insert(plainStore, x("02 02")))
		must(tx.Insert(plainStore, x("03 03 03")))
		must(tx.Insert(journalStore, logRec(7, 1, 20)))
		must(tx.Insert(journalStore, logRec(8, 1, 20)))
	})
	db.Close()

	stores := must(Inspect(path))
	deepEqual(t, len(stores), 4)

	plain := findInspected(t, stores, "Plain")
	deepEqual(t, plain.FormatVersion, 1)
	if plain.ID == "" {
		t.Errorf("** store ID missing")
	}
	deepEqual(t, plain.Capped, false)
	deepEqual(t, plain.Log, false)
	deepEqual(t, plain.NumRecords, 3)
	deepEqual(t, plain.DataSize, 6)
	deepEqual(t, plain.LiveRecords, 3)
	deepEqual(t, plain.LiveBytes, 6)
	deepEqual(t, plain.BadKeys, 0)
	deepEqual(t, plain.FirstID, 1)
	deepEqual(t, plain.LastID, 3)
	if plain.LastSeen.IsZero() {
		t.Errorf("** LastSeen missing")
	}

	journal := findInspected(t, stores, "Journal")
	deepEqual(t, journal.Capped, true)
	deepEqual(t, journal.Log, true)
	deepEqual(t, journal.MaxBytes, 10000)
	deepEqual(t, journal.LiveRecords, 2)
	deepEqual(t, journal.FirstID, LogTime{7, 1}.ID())
	deepEqual(t, journal.LastID, LogTime{8, 1}.ID())

	bounded := findInspected(t, stores, "Bounded")
	deepEqual(t, bounded.Capped, true)
	deepEqual(t, bounded.MaxBytes, 1000)
	deepEqual(t, bounded.LiveRecords, 0)
	deepEqual(t, bounded.FirstID, 0)
	deepEqual(t, bounded.LastID, 0)
}

func TestInspectRecords(t *testing.T) {
	path := tempPath(t)
	db := must(Open(path, testSchema, Options{IsTesting: true}))
	db.Write(func(tx *Tx) {
		must(tx.Insert(plainStore, x("01")))
		must(tx.Insert(plainStore, x("02 02")))
		must(tx.Insert(plainStore, x("03 03 03")))
	})
	db.Close()

	var ids []RecordID
	var last []byte
	ensure(InspectRecords(path, "Plain", func(id RecordID, payload []byte) bool {
		ids = append(ids, id)
		last = slices.Clone(payload)
		return true
	}))
	deepEqual(t, ids, []RecordID{1, 2, 3})
	deepEqual(t, last, x("03 03 03"))

	ids = nil
	ensure(InspectRecords(path, "Plain", func(id RecordID, payload []byte) bool {
		ids = append(ids, id)
		return false
	}))
	deepEqual(t, ids, []RecordID{1})

	err := InspectRecords(path, "Nope", func(id RecordID, payload []byte) bool { return true })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("** got %v, wanted ErrNotFound", err)
	}
}

func findInspected(t *testing.T, stores []InspectedStore, name string) InspectedStore {
	for _, s := range stores {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("** store %s not found", name)
	return InspectedStore{}
}
