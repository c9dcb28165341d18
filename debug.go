package capstore

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

type DumpFlags uint64

const (
	DumpStoreHeaders = DumpFlags(1 << iota)
	DumpRecords
	DumpStats
	DumpMarkers

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

// Dump renders the requested portions of every store into a stable text form,
// meant for debugging and golden tests.
func (tx *Tx) Dump(f DumpFlags) string {
	var buf strings.Builder
	for _, def := range tx.db.schema.Stores() {
		tx.dumpStore(&buf, f, def)
	}
	return buf.String()
}

func (tx *Tx) dumpStore(buf *strings.Builder, f DumpFlags, def *StoreDef) {
	st := tx.db.storeState(def)
	if f.Contains(DumpStoreHeaders) {
		buf.WriteString(dumpSep1)
		buf.WriteByte('\n')
		fmt.Fprintf(buf, "%s (%d records)\n", def.name, st.numRecords.Load())
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(buf, "%s.stats: data_size = %d, capped = %v, max_bytes = %d, max_docs = %d, log = %v\n",
			def.name, st.dataSize.Load(), def.capped, def.maxBytes, def.maxDocs, def.log)
	}
	if f.Contains(DumpRecords) {
		if f.Contains(DumpStats) {
			buf.WriteString(dumpSep2)
			buf.WriteByte('\n')
		}
		bcur := nonNil(def.dataBucketIn(tx.stx)).Cursor()
		var pos int
		for k, v := bcur.First(); k != nil; k, v = bcur.Next() {
			pos++
			dumpRecord(buf, def, pos, k, v)
		}
	}
	if f.Contains(DumpMarkers) && st.markers != nil {
		buf.WriteString(dumpSep2)
		buf.WriteByte('\n')
		ms := st.markers.stats()
		fmt.Fprintf(buf, "%s.markers: count = %d, keep = %d, min_bytes = %d, pending_records = %d, pending_bytes = %d\n",
			def.name, ms.Count, ms.NumToKeep, ms.MinBytesPerMarker, ms.PendingRecords, ms.PendingBytes)
		for i, m := range st.markers.snapshotMarkers() {
			fmt.Fprintf(buf, "%s.markers.%d: last = %v, records = %d, bytes = %d\n",
				def.name, i+1, m.lastRecord, m.records, m.bytes)
		}
	}
}

func dumpRecord(buf *strings.Builder, def *StoreDef, pos int, k, v []byte) {
	id, err := recordIDFromKey(k)
	if err != nil {
		fmt.Fprintf(buf, "%s.%d = ** bad key %s\n", def.name, pos, hexstr(k))
		return
	}
	const maxShown = 32
	if len(v) <= maxShown {
		fmt.Fprintf(buf, "%s.%d = %v (%d) %s\n", def.name, pos, id, len(v), hexstr(v))
	} else {
		fmt.Fprintf(buf, "%s.%d = %v (%d) %s... xxh=%016x\n", def.name, pos, id, len(v), hexstr(v[:maxShown]), xxhash.Sum64(v))
	}
}
