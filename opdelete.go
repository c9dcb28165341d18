package capstore

// Delete removes a single record. Only plain stores support this; capped and
// log stores shrink exclusively through capped cleanup and truncation, so a
// record delete there returns an IllegalOperation error.
func (tx *Tx) Delete(def *StoreDef, id RecordID) error {
	if tx == nil {
		panic("nil tx")
	}
	if def.capped {
		return storeErrf(def, id, ErrIllegalOperation, "cannot delete records from a capped store")
	}
	st := tx.db.storeState(def)
	dataB := nonNil(def.dataBucketIn(tx.stx))
	key := id.key()

	old := dataB.Get(key)
	if old == nil {
		if tx.db.verbose {
			tx.db.logf("db: DELETE.NOOP %s/%v", def.name, id)
		}
		return storeErrf(def, id, ErrNotFound, "cannot delete a missing record")
	}

	tx.markWritten()
	ensure(dataB.Delete(key))
	tx.db.WriteCount.Add(1)

	st.changeNumRecords(tx, -1)
	st.increaseDataSize(tx, -int64(len(old)))

	if tx.db.verbose {
		tx.db.logf("db: DELETE %s/%v", def.name, id)
	}
	tx.notifyChange(def, OpDelete, id)
	return nil
}
