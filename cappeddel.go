package capstore

import (
	"errors"
	"time"
)

const (
	maxCappedDeleteSlack        = 16 << 20
	defaultCappedDeleteLockWait = 200 * time.Millisecond
	defaultMaxDeletesPerPass    = 20000
)

func (st *Store) cappedLock() {
	st.cappedDeleteSem <- struct{}{}
}

func (st *Store) cappedTryLock() bool {
	select {
	case st.cappedDeleteSem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (st *Store) cappedLockTimeout(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case st.cappedDeleteSem <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (st *Store) cappedUnlock() {
	<-st.cappedDeleteSem
}

func (st *Store) cappedAndNeedDelete() bool {
	if !st.def.capped {
		return false
	}
	if st.dataSize.Load() >= st.def.maxBytes {
		return true
	}
	if st.def.maxDocs != 0 && st.numRecords.Load() > st.def.maxDocs {
		return true
	}
	return false
}

// cappedDeleteAsNeeded brings a capped store back under its limits after an
// insert, removing the oldest records first. It runs on the inserting
// goroutine once the insert commits, so a store that keeps overflowing slows
// its writers down rather than growing without bound.
//
// Only one cleanup runs at a time. When the store is over its record count
// limit the caller always waits for its turn, because that limit is exact.
// Over the byte limit, callers skip the pass entirely while the overage is
// within the slack, and wait a bounded time otherwise.
func (st *Store) cappedDeleteAsNeeded(justInserted RecordID) int64 {
	if st.shutdown.Load() {
		return 0
	}
	if !st.cappedAndNeedDelete() {
		return 0
	}

	if st.def.maxDocs != 0 {
		st.cappedLock() // MaxDocs has to be exact, so check every time
	} else {
		if !st.cappedTryLock() {
			// Someone else is already deleting old records. Let them, unless
			// we are too far behind.
			if st.dataSize.Load()-st.def.maxBytes < st.def.deleteSlack {
				return 0
			}

			// Don't wait forever, the caller has work to do.
			before := time.Now()
			gotLock := st.cappedLockTimeout(st.def.deleteLockWait)
			st.cappedSleeps.Add(1)
			st.cappedSleepNS.Add(int64(time.Since(before)))
			if !gotLock {
				return 0
			}

			// If we already waited, let someone else do the cleanup next
			// time, unless we are significantly over the limit.
			if st.dataSize.Load()-st.def.maxBytes < 2*st.def.deleteSlack {
				st.cappedUnlock()
				return 0
			}
		}
	}
	defer st.cappedUnlock()
	return st.cappedDeleteLocked(justInserted)
}

func (st *Store) cappedDeleteLocked(justInserted RecordID) int64 {
	def := st.def
	db := st.db

	dataSize := st.dataSize.Load()
	numRecords := st.numRecords.Load()

	var sizeOverCap int64
	if dataSize > def.maxBytes {
		sizeOverCap = dataSize - def.maxBytes
	}
	var docsOverCap int64
	if def.maxDocs != 0 && numRecords > def.maxDocs {
		docsOverCap = numRecords - def.maxDocs
	}

	// The cleanup commits separately from the insert that triggered it, so
	// an aborted pass leaves the inserted record in place.
	tx := db.BeginUpdate()
	defer tx.Close()

	var sizeSaved, docsRemoved int64
	var lastVictim RecordID

	err := func() error {
		bcur := nonNil(def.dataBucketIn(tx.stx)).Cursor()
		var k, v []byte
		first := true
		for (sizeSaved < sizeOverCap || docsRemoved < docsOverCap) && docsRemoved < int64(def.maxDeletesPerPass) {
			if first {
				k, v = bcur.First()
				first = false
			} else {
				k, v = bcur.Next()
			}
			if k == nil {
				break
			}
			id := must(recordIDFromKey(k))

			// don't go past the record we just inserted
			if id >= justInserted {
				break
			}
			if st.shutdown.Load() {
				break
			}

			docsRemoved++
			sizeSaved += int64(len(v))
			lastVictim = id

			if def.onCappedDelete != nil {
				if err := def.onCappedDelete(tx, id, v); err != nil {
					return err
				}
			}
		}
		return nil
	}()
	if err != nil {
		if errors.Is(err, ErrWriteConflict) {
			db.logf("db: %s: got a conflict cleaning up the capped store, ignoring", def.name)
			return 0
		}
		db.logf("db: %s: capped cleanup vetoed: %v", def.name, err)
		return 0
	}

	if docsRemoved == 0 {
		return 0
	}

	n, _ := tx.truncateRange(def, RawOI(lastVictim.key()))
	if n == 0 {
		// should not happen, but don't panic if it does
		db.logf("db: %s: soft failure cleaning up the capped store, will try again later", def.name)
		return 0
	}
	st.changeNumRecords(tx, -docsRemoved)
	st.increaseDataSize(tx, -sizeSaved)

	if err := tx.Commit(); err != nil {
		if errors.Is(err, ErrWriteConflict) {
			db.logf("db: %s: got a conflict cleaning up the capped store, ignoring", def.name)
			return 0
		}
		panic(err)
	}

	st.truncatePasses.Add(1)
	st.truncatedRecords.Add(docsRemoved)
	st.truncatedBytes.Add(sizeSaved)
	if db.verbose {
		db.logf("db: CAPPED_DELETE %s removed %d records (%d bytes)", def.name, docsRemoved, sizeSaved)
	}
	return docsRemoved
}
