package capstore

import (
	"time"

	"github.com/google/uuid"
)

// StoreStats is a point-in-time snapshot of one store's configuration,
// counters and maintenance activity.
type StoreStats struct {
	Name string
	ID   uuid.UUID

	Capped   bool
	Log      bool
	MaxBytes int64
	MaxDocs  int64

	NumRecords int64
	DataSize   int64

	// How often capped inserts had to wait behind an ongoing cleanup, and
	// for how long in total.
	CappedSleeps   int64
	CappedSleepDur time.Duration

	// Totals over all cleanup and reclaim passes since the database opened.
	TruncatePasses   int64
	TruncatedRecords int64
	TruncatedBytes   int64

	Markers *MarkerStats // nil unless a log store

	// Engine-level page accounting of the store's data bucket.
	EngineKeys     int
	EngineLeafSize int64
	EngineAlloc    int64
}

// MarkerStats describes the truncation marker state of a log store.
type MarkerStats struct {
	Count             int
	NumToKeep         int
	MinBytesPerMarker int64
	PendingRecords    int64
	PendingBytes      int64
}

func (tx *Tx) StoreStats(def *StoreDef) StoreStats {
	if tx == nil {
		panic("nil tx")
	}
	st := tx.db.storeState(def)
	s := StoreStats{
		Name:     def.name,
		ID:       st.id,
		Capped:   def.capped,
		Log:      def.log,
		MaxBytes: def.maxBytes,
		MaxDocs:  def.maxDocs,

		NumRecords: st.numRecords.Load(),
		DataSize:   st.dataSize.Load(),

		CappedSleeps:   st.cappedSleeps.Load(),
		CappedSleepDur: time.Duration(st.cappedSleepNS.Load()),

		TruncatePasses:   st.truncatePasses.Load(),
		TruncatedRecords: st.truncatedRecords.Load(),
		TruncatedBytes:   st.truncatedBytes.Load(),
	}
	if st.markers != nil {
		ms := st.markers.stats()
		s.Markers = &ms
	}
	bs := nonNil(def.dataBucketIn(tx.stx)).Stats()
	s.EngineKeys = bs.KeyN
	s.EngineLeafSize = bs.LeafInuse
	s.EngineAlloc = bs.TotalAlloc()
	return s
}

// Stats snapshots the store in a fresh read transaction.
func (st *Store) Stats() StoreStats {
	var s StoreStats
	st.db.Read(func(tx *Tx) {
		s = tx.StoreStats(st.def)
	})
	return s
}
