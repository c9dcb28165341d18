package capstore

// Insert appends a record to the store and returns its identifier. Counter
// stores draw identifiers from an in-memory allocator; log stores derive them
// from the payload, so payloads must arrive in identifier order.
//
// On capped stores, the cleanup that keeps the store under its limits runs
// after this transaction commits, on the calling goroutine.
func (tx *Tx) Insert(def *StoreDef, payload []byte) (RecordID, error) {
	if tx == nil {
		panic("nil tx")
	}
	st := tx.db.storeState(def)
	size := int64(len(payload))
	if def.capped && size > def.maxBytes {
		return 0, storeErrf(def, 0, ErrInvalidOptions, "record of %d bytes exceeds the store cap of %d bytes", size, def.maxBytes)
	}

	var id RecordID
	if def.log {
		var err error
		id, err = def.logRecordID(payload)
		if err != nil {
			return 0, err
		}
		st.registerUncommitted(tx, id)
	} else {
		id = st.nextRecordID()
		if def.capped {
			st.registerUncommitted(tx, id)
		}
	}

	dataB := nonNil(def.dataBucketIn(tx.stx))
	key := id.key()
	if def.log || tx.db.strict {
		if dataB.Get(key) != nil {
			return 0, storeErrf(def, id, ErrInvalidPayload, "a record with this id already exists")
		}
	}

	tx.markWritten()
	ensure(dataB.Put(key, payload))
	tx.db.WriteCount.Add(1)

	st.changeNumRecords(tx, 1)
	st.increaseDataSize(tx, size)

	if tx.db.verbose {
		tx.db.logf("db: INSERT %s/%v (%d bytes)", def.name, id, size)
	}
	tx.notifyChange(def, OpPut, id)

	if def.log {
		st.noteLogInsert(tx, id, size)
	} else if def.capped {
		tx.OnCommit(func() {
			st.cappedDeleteAsNeeded(id)
		})
	}
	return id, nil
}
