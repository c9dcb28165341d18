package capstore

import (
	"errors"
	"time"
)

// runReclaimer is the background goroutine that keeps a log store's oldest
// sections truncated away. One runs per log store unless the embedder opts
// out with NoReclaimer.
func (db *DB) runReclaimer(st *Store) {
	defer db.reclaimers.Done()
	for st.AwaitTruncationWorkOrShutdown() {
		if err := db.ReclaimLog(st.def); err != nil {
			db.logf("db: %s: log truncation failed: %v", st.def.name, err)
			if !st.IsShutDown() {
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
}

// ReclaimLog truncates the oldest sections of a log store until it is back
// down to its configured number of markers. Each section goes away in its own
// transaction, so concurrent inserts only ever wait for one section's worth
// of deletions. Conflicts are logged and the section retried.
func (db *DB) ReclaimLog(def *StoreDef) error {
	st := db.storeState(def)
	ms := st.markers
	if ms == nil {
		return storeErrf(def, 0, ErrIllegalOperation, "%s is not a log store", def.name)
	}

	for {
		m, ok := ms.peekOldestIfNeeded()
		if !ok {
			break
		}

		first := RecordID(ms.firstRecord.Load())
		db.logf("db: %s: truncating the log between %v and %v to remove approximately %d records totaling %d bytes",
			def.name, first, m.lastRecord, m.records, m.bytes)

		err := db.Tx(true, func(tx *Tx) error {
			tx.truncateRange(def, RawII(first.key(), m.lastRecord.key()))
			st.changeNumRecords(tx, -m.records)
			st.increaseDataSize(tx, -m.bytes)
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrWriteConflict) {
				db.logf("db: %s: caught a conflict while truncating log records, retrying", def.name)
				continue
			}
			return err
		}

		ms.popOldest()
		ms.firstRecord.Store(uint64(m.lastRecord))

		st.truncatePasses.Add(1)
		st.truncatedRecords.Add(m.records)
		st.truncatedBytes.Add(m.bytes)
	}

	db.logf("db: %s: finished truncating the log, it now contains approximately %d records totaling %d bytes",
		def.name, st.numRecords.Load(), st.dataSize.Load())
	return nil
}
