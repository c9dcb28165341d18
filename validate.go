package capstore

import (
	"fmt"
)

// ValidationResult reports what a full-store validation pass found.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string

	// What the scan actually observed, as opposed to the store's counters.
	NumRecords int64
	DataSize   int64

	// Identifiers of log records whose payloads disagree with their keys.
	CorruptIDs []RecordID
}

// Validate scans the whole store, checking that every record key is well
// formed and, on log stores, that each payload-derived identifier matches the
// key it is filed under. A clean scan also repairs the store's counters when
// they have drifted, which happens after unclean shutdowns.
func (db *DB) Validate(def *StoreDef) (*ValidationResult, error) {
	res := &ValidationResult{Valid: true}
	err := db.Tx(true, func(tx *Tx) error {
		st := db.storeState(def)
		bcur := nonNil(def.dataBucketIn(tx.stx)).Cursor()

		var n, size int64
		for k, v := bcur.First(); k != nil; k, v = bcur.Next() {
			n++
			size += int64(len(v))

			id, err := recordIDFromKey(k)
			if err != nil {
				res.Valid = false
				res.Errors = append(res.Errors, fmt.Sprintf("malformed record key %s", hexstr(k)))
				continue
			}
			if def.log {
				payloadID, err := def.logRecordID(v)
				if err != nil {
					res.Valid = false
					res.CorruptIDs = append(res.CorruptIDs, id)
					res.Errors = append(res.Errors, fmt.Sprintf("record %v carries no valid log time: %v", id, err))
				} else if payloadID != id {
					res.Valid = false
					res.CorruptIDs = append(res.CorruptIDs, id)
					res.Errors = append(res.Errors, fmt.Sprintf("record %v carries log time %v, which does not match its key", id, payloadID.LogTime()))
				}
			}
		}
		res.NumRecords, res.DataSize = n, size

		if res.Valid && (st.numRecords.Load() != n || st.dataSize.Load() != size) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("counters reported %d records totaling %d bytes, scan found %d records totaling %d bytes",
				st.numRecords.Load(), st.dataSize.Load(), n, size))
			db.logf("db: %s: validation repaired counters to %d records totaling %d bytes (were %d and %d)",
				def.name, n, size, st.numRecords.Load(), st.dataSize.Load())
			st.updateStatsAfterRepair(tx, n, size)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
