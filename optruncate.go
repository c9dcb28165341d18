package capstore

import (
	"log/slog"
)

// truncateRange deletes every record within rang and returns how many records
// and payload bytes went away. Keys are collected up front so that deletions
// don't disturb the iteration.
func (tx *Tx) truncateRange(def *StoreDef, rang RawRange) (int64, int64) {
	dataB := nonNil(def.dataBucketIn(tx.stx))

	var keys [][]byte
	var bytesRemoved int64
	for c := rang.newCursor(dataB.Cursor(), slog.Default()); c.Next(); {
		keys = append(keys, append([]byte(nil), c.Key()...))
		bytesRemoved += int64(len(c.Value()))
	}
	if len(keys) == 0 {
		return 0, 0
	}

	tx.markWritten()
	for _, k := range keys {
		ensure(dataB.Delete(k))
	}
	tx.db.WriteCount.Add(uint64(len(keys)))
	return int64(len(keys)), bytesRemoved
}

// Truncate removes every record in the store. Counters reset to zero, and a
// log store drops all of its truncation markers once the change commits.
func (db *DB) Truncate(def *StoreDef) error {
	return db.Tx(true, func(tx *Tx) error {
		st := db.storeState(def)
		n, _ := tx.truncateRange(def, RawOO())

		st.changeNumRecords(tx, -st.numRecords.Load())
		st.increaseDataSize(tx, -st.dataSize.Load())

		if st.markers != nil {
			tx.OnCommit(st.markers.clearOnTruncate)
		}
		if db.verbose {
			db.logf("db: TRUNCATE %s (%d records)", def.name, n)
		}
		return nil
	})
}

// TruncateAfter removes every record after end, and end itself when inclusive
// is set. The end record must exist. On log stores, markers wholly or partly
// past the cut fold back into the accumulator, and the visibility bound
// rewinds to the last kept record so fresh inserts become readable again.
func (db *DB) TruncateAfter(def *StoreDef, end RecordID, inclusive bool) error {
	st := db.storeState(def)
	if def.capped {
		// Same acquisition order as the capped deleter: lock, then open the
		// transaction.
		st.cappedLock()
		defer st.cappedUnlock()
	}
	return db.Tx(true, func(tx *Tx) error {
		dataB := nonNil(def.dataBucketIn(tx.stx))
		endKey := end.key()
		if dataB.Get(endKey) == nil {
			return storeErrf(def, end, ErrNotFound, "cannot truncate after a missing record")
		}

		var firstRemoved, lastKept RecordID
		if inclusive {
			firstRemoved = end
			bcur := dataB.Cursor()
			bcur.Seek(endKey)
			if k, _ := bcur.Prev(); k != nil {
				lastKept = must(recordIDFromKey(k))
			}
		} else {
			lastKept = end
			bcur := dataB.Cursor()
			bcur.Seek(endKey)
			k, _ := bcur.Next()
			if k == nil {
				return nil // nothing after end
			}
			firstRemoved = must(recordIDFromKey(k))
		}

		rang := RawIO(firstRemoved.key())
		if def.onCappedDelete != nil {
			for c := rang.newCursor(dataB.Cursor(), slog.Default()); c.Next(); {
				id := must(recordIDFromKey(c.Key()))
				if err := def.onCappedDelete(tx, id, c.Value()); err != nil {
					return err
				}
			}
		}

		n, bytesRemoved := tx.truncateRange(def, rang)
		st.changeNumRecords(tx, -n)
		st.increaseDataSize(tx, -bytesRemoved)

		if def.log {
			tx.OnCommit(func() {
				st.lowerHighestSeen(lastKept)
			})
		}
		if st.markers != nil {
			tx.OnCommit(func() {
				st.markers.updateAfterTruncateAfter(n, bytesRemoved, firstRemoved)
			})
		}
		if db.verbose {
			db.logf("db: TRUNCATE_AFTER %s/%v removed %d records (%d bytes)", def.name, end, n, bytesRemoved)
		}
		return nil
	})
}
