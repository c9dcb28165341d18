package capstore

import (
	"math"
	"slices"
	"sync"
	"sync/atomic"
)

const (
	defaultRecordSizeHint = 16 << 20

	minMarkersToKeep = 10
	maxMarkersToKeep = 100

	// Only sample to place markers when the samples drawn would cover less
	// than 5% of the records.
	minSampleRatioForRandCursor = 20
	samplesPerMarker            = 10
)

// marker describes one section of a log store: approximately how many records
// and bytes it holds, and the identifier of its last record. The reclaimer
// truncates whole sections at a time instead of tracking individual records.
type marker struct {
	records    int64
	bytes      int64
	lastRecord RecordID
}

type markerSet struct {
	st *Store

	mut  sync.Mutex // guards markers, numToKeep and dead
	cond *sync.Cond // signaled when markers exceed numToKeep, or on kill

	markers   []marker
	numToKeep int
	dead      bool

	minBytes atomic.Int64

	// The section currently being filled by inserts.
	currentRecords atomic.Int64
	currentBytes   atomic.Int64

	// Where the next reclaim pass starts truncating. Stashed after each pass
	// to cleanly skip over already-removed identifiers.
	firstRecord atomic.Uint64
}

func newMarkerSet(st *Store) *markerSet {
	ms := &markerSet{st: st}
	ms.cond = sync.NewCond(&ms.mut)

	n := st.def.maxBytes / st.def.recordSizeHint
	ms.numToKeep = int(min(maxMarkersToKeep, max(minMarkersToKeep, n)))

	minBytes := st.def.maxBytes / int64(ms.numToKeep)
	if minBytes <= 0 {
		minBytes = 1
	}
	ms.minBytes.Store(minBytes)
	return ms
}

// initMarkers builds the marker set of a log store when the database opens,
// either by scanning every record or by sampling when the store is large.
func initMarkers(tx *Tx, st *Store) error {
	ms := newMarkerSet(st)
	st.markers = ms
	if err := ms.calculate(tx); err != nil {
		return err
	}
	ms.pokeReclaim()
	return nil
}

func (ms *markerSet) calculate(tx *Tx) error {
	st := ms.st
	numRecords := st.numRecords.Load()
	dataSize := st.dataSize.Load()

	st.db.logf("db: %s: counters report %d records totaling %d bytes", st.def.name, numRecords, dataSize)

	if numRecords == 0 && dataSize == 0 {
		return nil
	}

	if numRecords <= 0 || dataSize <= 0 ||
		uint64(numRecords) < minSampleRatioForRandCursor*samplesPerMarker*uint64(ms.numToKeep) {
		return ms.calculateByScanning(tx)
	}

	avgRecordSize := float64(dataSize) / float64(numRecords)
	estRecordsPerMarker := int64(math.Ceil(float64(ms.minBytes.Load()) / avgRecordSize))
	estBytesPerMarker := int64(float64(estRecordsPerMarker) * avgRecordSize)
	return ms.calculateBySampling(tx, estRecordsPerMarker, estBytesPerMarker)
}

// calculateByScanning walks the whole store, laying down a marker whenever
// the accumulated section reaches the minimum size. As a side effect the scan
// repairs the store's counters, which may be stale after an unclean shutdown.
func (ms *markerSet) calculateByScanning(tx *Tx) error {
	st := ms.st
	st.db.logf("db: %s: scanning the log to determine where to place truncation markers", st.def.name)

	var numRecords, dataSize int64
	minBytes := ms.minBytes.Load()

	bcur := nonNil(st.def.dataBucketIn(tx.stx)).Cursor()
	for k, v := bcur.First(); k != nil; k, v = bcur.Next() {
		id, err := recordIDFromKey(k)
		if err != nil {
			return storeErrf(st.def, 0, ErrCorrupted, "bad record key %s", hexstr(k))
		}
		ms.currentRecords.Add(1)
		if ms.currentBytes.Add(int64(len(v))) >= minBytes {
			ms.markers = append(ms.markers, marker{ms.currentRecords.Swap(0), ms.currentBytes.Swap(0), id})
		}
		numRecords++
		dataSize += int64(len(v))
	}

	st.updateStatsAfterRepair(tx, numRecords, dataSize)
	return nil
}

// calculateBySampling estimates marker positions from randomly sampled
// records instead of reading the whole store. The samples are sorted, and
// every samplesPerMarker-th one becomes a section boundary.
func (ms *markerSet) calculateBySampling(tx *Tx, estRecordsPerMarker, estBytesPerMarker int64) error {
	st := ms.st
	def := st.def
	dataB := nonNil(def.dataBucketIn(tx.stx))

	firstK, _ := dataB.Cursor().First()
	if firstK == nil {
		st.db.logf("db: %s: failed to determine the earliest log time, falling back to scanning", def.name)
		return ms.calculateByScanning(tx)
	}
	lastK, _ := dataB.Cursor().Last()
	earliest := must(recordIDFromKey(firstK))
	latest := must(recordIDFromKey(lastK))

	st.db.logf("db: %s: sampling the log between %v and %v to determine where to place truncation markers",
		def.name, earliest.LogTime(), latest.LogTime())

	numRecords := st.numRecords.Load()
	wholeMarkers := numRecords / estRecordsPerMarker
	numSamples := samplesPerMarker * numRecords / estRecordsPerMarker

	st.db.logf("db: %s: taking %d samples, assuming each log section holds approximately %d records totaling %d bytes",
		def.name, numSamples, estRecordsPerMarker, estBytesPerMarker)

	rc := tx.RandomCursor(def)
	samples := make([]RecordID, 0, numSamples)
	for i := int64(0); i < numSamples; i++ {
		id, _ := rc.Next()
		if id.IsZero() {
			st.db.logf("db: %s: failed to get enough random samples, falling back to scanning", def.name)
			return ms.calculateByScanning(tx)
		}
		samples = append(samples, id)
	}
	slices.Sort(samples)

	for i := int64(1); i <= wholeMarkers; i++ {
		// Use every samplesPerMarker-th sample, starting with the
		// (samplesPerMarker-1)-th, as the last record of each section.
		lastRecord := samples[samplesPerMarker*i-1]
		if st.db.verbose {
			st.db.logf("db: %s: placing a truncation marker at %v", def.name, lastRecord.LogTime())
		}
		ms.markers = append(ms.markers, marker{estRecordsPerMarker, estBytesPerMarker, lastRecord})
	}

	// Whatever remains goes into the section currently being filled.
	ms.currentRecords.Store(numRecords - estRecordsPerMarker*wholeMarkers)
	ms.currentBytes.Store(st.dataSize.Load() - estBytesPerMarker*wholeMarkers)
	return nil
}

// noteLogInsert rolls the marker accumulator forward once the inserting
// transaction commits, cutting a new marker when the current section fills
// up.
func (st *Store) noteLogInsert(tx *Tx, justInserted RecordID, bytesInserted int64) {
	tx.OnCommit(func() {
		ms := st.markers
		ms.currentRecords.Add(1)
		if ms.currentBytes.Add(bytesInserted) >= ms.minBytes.Load() {
			ms.createNewMarkerIfNeeded(justInserted)
		}
	})
}

func (ms *markerSet) createNewMarkerIfNeeded(lastRecord RecordID) {
	if !ms.mut.TryLock() {
		// Someone else is either already creating a new marker or popping the
		// oldest one. In the latter case, the next insert triggers the
		// creation instead.
		return
	}
	defer ms.mut.Unlock()

	if ms.currentBytes.Load() < ms.minBytes.Load() {
		// Raced with another insert that already cut the marker.
		return
	}

	ms.markers = append(ms.markers, marker{ms.currentRecords.Swap(0), ms.currentBytes.Swap(0), lastRecord})
	ms.pokeReclaimLocked()
}

// clearOnTruncate resets the marker set after the store is emptied.
func (ms *markerSet) clearOnTruncate() {
	ms.currentRecords.Store(0)
	ms.currentBytes.Store(0)
	ms.mut.Lock()
	ms.markers = nil
	ms.mut.Unlock()
}

// updateAfterTruncateAfter drops the markers whose sections were wholly or
// partly removed by a truncate-after, and folds any partially truncated
// section back into the accumulator.
func (ms *markerSet) updateAfterTruncateAfter(recordsRemoved, bytesRemoved int64, firstRemoved RecordID) {
	ms.mut.Lock()
	defer ms.mut.Unlock()

	var drop int
	var droppedRecords, droppedBytes int64
	for i := len(ms.markers) - 1; i >= 0; i-- {
		if ms.markers[i].lastRecord < firstRemoved {
			break
		}
		drop++
		droppedRecords += ms.markers[i].records
		droppedBytes += ms.markers[i].bytes
	}
	ms.markers = ms.markers[:len(ms.markers)-drop]

	ms.currentRecords.Add(droppedRecords - recordsRemoved)
	ms.currentBytes.Add(droppedBytes - bytesRemoved)
}

func (ms *markerSet) hasExcessLocked() bool {
	return len(ms.markers) > ms.numToKeep
}

func (ms *markerSet) pokeReclaim() {
	ms.mut.Lock()
	defer ms.mut.Unlock()
	ms.pokeReclaimLocked()
}

func (ms *markerSet) pokeReclaimLocked() {
	if ms.hasExcessLocked() {
		ms.cond.Broadcast()
	}
}

// awaitExcessOrDead blocks until the store holds more sections than it wants
// to keep, or until kill. Returns false when killed.
func (ms *markerSet) awaitExcessOrDead() bool {
	ms.mut.Lock()
	defer ms.mut.Unlock()
	for !ms.dead && !ms.hasExcessLocked() {
		ms.cond.Wait()
	}
	return !ms.dead
}

func (ms *markerSet) kill() {
	ms.mut.Lock()
	ms.dead = true
	ms.mut.Unlock()
	ms.cond.Broadcast()
}

func (ms *markerSet) peekOldestIfNeeded() (marker, bool) {
	ms.mut.Lock()
	defer ms.mut.Unlock()
	if !ms.hasExcessLocked() {
		return marker{}, false
	}
	return ms.markers[0], true
}

func (ms *markerSet) popOldest() {
	ms.mut.Lock()
	ms.markers = ms.markers[1:]
	ms.mut.Unlock()
}

func (ms *markerSet) setMinBytes(size int64) error {
	if size <= 0 {
		return storeErrf(ms.st.def, 0, ErrInvalidOptions, "bytes per truncation marker must be positive, got %d", size)
	}
	ms.mut.Lock()
	defer ms.mut.Unlock()
	if len(ms.markers) != 0 || ms.currentRecords.Load() != 0 {
		return storeErrf(ms.st.def, 0, ErrIllegalOperation, "cannot retune truncation markers on a non-empty log store")
	}
	ms.minBytes.Store(size)
	return nil
}

func (ms *markerSet) setNumToKeep(n int) error {
	if n <= 0 {
		return storeErrf(ms.st.def, 0, ErrInvalidOptions, "number of truncation markers must be positive, got %d", n)
	}
	ms.mut.Lock()
	defer ms.mut.Unlock()
	if len(ms.markers) != 0 || ms.currentRecords.Load() != 0 {
		return storeErrf(ms.st.def, 0, ErrIllegalOperation, "cannot retune truncation markers on a non-empty log store")
	}
	ms.numToKeep = n
	return nil
}

func (ms *markerSet) snapshotMarkers() []marker {
	ms.mut.Lock()
	defer ms.mut.Unlock()
	return slices.Clone(ms.markers)
}

func (ms *markerSet) stats() MarkerStats {
	ms.mut.Lock()
	defer ms.mut.Unlock()
	return MarkerStats{
		Count:             len(ms.markers),
		NumToKeep:         ms.numToKeep,
		MinBytesPerMarker: ms.minBytes.Load(),
		PendingRecords:    ms.currentRecords.Load(),
		PendingBytes:      ms.currentBytes.Load(),
	}
}

// SetMinBytesPerMarker overrides the truncation section size of a log store.
// Only legal while the store holds no data.
func (st *Store) SetMinBytesPerMarker(size int64) error {
	if st.markers == nil {
		return storeErrf(st.def, 0, ErrIllegalOperation, "%s is not a log store", st.def.name)
	}
	return st.markers.setMinBytes(size)
}

// SetNumMarkersToKeep overrides how many truncation sections a log store
// retains before the reclaimer kicks in. Only legal while the store holds no
// data.
func (st *Store) SetNumMarkersToKeep(n int) error {
	if st.markers == nil {
		return storeErrf(st.def, 0, ErrIllegalOperation, "%s is not a log store", st.def.name)
	}
	return st.markers.setNumToKeep(n)
}

// AwaitTruncationWorkOrShutdown blocks until the log store accumulates more
// sections than it keeps, returning true, or until the store shuts down,
// returning false. The background reclaimer sits in this call; embedders that
// run their own reclaim loop (see StoreOptions.NoReclaimer) should too.
func (st *Store) AwaitTruncationWorkOrShutdown() bool {
	if st.markers == nil {
		return false
	}
	return st.markers.awaitExcessOrDead()
}
