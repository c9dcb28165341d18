package capstore

import (
	"testing"
	"time"
)

func TestSchema_AddStoreValidation(t *testing.T) {
	tests := []struct {
		name string
		add  func(scm *Schema)
	}{
		{"empty name", func(scm *Schema) {
			AddStore(scm, "", StoreOptions{})
		}},
		{"duplicate name", func(scm *Schema) {
			AddStore(scm, "Events", StoreOptions{})
			AddStore(scm, "events", StoreOptions{})
		}},
		{"capped without MaxBytes", func(scm *Schema) {
			AddStore(scm, "Events", StoreOptions{Capped: true})
		}},
		{"limits without capped", func(scm *Schema) {
			AddStore(scm, "Events", StoreOptions{MaxBytes: 100})
		}},
		{"negative MaxDocs", func(scm *Schema) {
			AddStore(scm, "Events", StoreOptions{Capped: true, MaxBytes: 100, MaxDocs: -1})
		}},
		{"log without capped", func(scm *Schema) {
			AddStore(scm, "Events", StoreOptions{Log: true, ExtractLogTime: testLogTime})
		}},
		{"log with MaxDocs", func(scm *Schema) {
			AddStore(scm, "Events", StoreOptions{Capped: true, MaxBytes: 100, MaxDocs: 5, Log: true, ExtractLogTime: testLogTime})
		}},
		{"log without ExtractLogTime", func(scm *Schema) {
			AddStore(scm, "Events", StoreOptions{Capped: true, MaxBytes: 100, Log: true})
		}},
		{"ExtractLogTime without log", func(scm *Schema) {
			AddStore(scm, "Events", StoreOptions{ExtractLogTime: testLogTime})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scm := NewSchema()
			assertPanics(t, func() { tt.add(scm) })
		})
	}
}

func TestSchema_Defaults(t *testing.T) {
	scm := NewSchema()
	small := AddStore(scm, "Small", StoreOptions{Capped: true, MaxBytes: 1000})
	huge := AddStore(scm, "Huge", StoreOptions{Capped: true, MaxBytes: 1 << 30})
	tuned := AddStore(scm, "Tuned", StoreOptions{
		Capped: true, MaxBytes: 1000,
		DeleteSlack: 5, DeleteLockWait: time.Second, MaxDeletesPerPass: 7,
		RecordSizeHint: 100,
	})

	deepEqual(t, small.deleteSlack, 100)
	deepEqual(t, small.deleteLockWait, 200*time.Millisecond)
	deepEqual(t, small.maxDeletesPerPass, 20000)
	deepEqual(t, small.recordSizeHint, 16<<20)

	deepEqual(t, huge.deleteSlack, 16<<20)

	deepEqual(t, tuned.deleteSlack, 5)
	deepEqual(t, tuned.deleteLockWait, time.Second)
	deepEqual(t, tuned.maxDeletesPerPass, 7)
	deepEqual(t, tuned.recordSizeHint, 100)
}

func TestSchema_Lookup(t *testing.T) {
	scm := NewSchema()
	events := AddStore(scm, "Events", StoreOptions{})
	audit := AddStore(scm, "Audit", StoreOptions{Capped: true, MaxBytes: 100, MaxDocs: 10})

	deepEqual(t, scm.StoreNamed("events"), events)
	deepEqual(t, scm.StoreNamed("EVENTS"), events)
	isnil(t, scm.StoreNamed("nope"))

	deepEqual(t, events.Name(), "Events")
	deepEqual(t, events.IsCapped(), false)
	deepEqual(t, audit.IsCapped(), true)
	deepEqual(t, audit.IsLog(), false)
	deepEqual(t, audit.MaxBytes(), 100)
	deepEqual(t, audit.MaxDocs(), 10)

	list := scm.Stores()
	deepEqual(t, len(list), 2)
	list[0] = nil
	deepEqual(t, scm.Stores()[0], events)
}
