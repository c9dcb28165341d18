package capstore

// Update replaces the payload of an existing record in place. Log stores
// reject size-changing updates because truncation marker accounting assumes
// record sizes never change after insertion.
func (tx *Tx) Update(def *StoreDef, id RecordID, payload []byte) error {
	if tx == nil {
		panic("nil tx")
	}
	st := tx.db.storeState(def)
	dataB := nonNil(def.dataBucketIn(tx.stx))
	key := id.key()

	old := dataB.Get(key)
	if old == nil {
		return storeErrf(def, id, ErrNotFound, "cannot update a missing record")
	}
	size, oldSize := int64(len(payload)), int64(len(old))
	if def.log && size != oldSize {
		return storeErrf(def, id, ErrIllegalOperation, "cannot change the size of a record in a log store")
	}

	tx.markWritten()
	ensure(dataB.Put(key, payload))
	tx.db.WriteCount.Add(1)

	st.increaseDataSize(tx, size-oldSize)

	if tx.db.verbose {
		tx.db.logf("db: UPDATE %s/%v (%d -> %d bytes)", def.name, id, oldSize, size)
	}
	tx.notifyChange(def, OpPut, id)

	if def.capped && !def.log {
		tx.OnCommit(func() {
			st.cappedDeleteAsNeeded(id)
		})
	}
	return nil
}
