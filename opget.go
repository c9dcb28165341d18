package capstore

// Find returns the payload of the record with the given identifier, or nil
// if no such record exists. Direct lookups bypass visibility filtering, so
// callers holding an identifier can always read the record back.
func (tx *Tx) Find(def *StoreDef, id RecordID) []byte {
	if tx == nil {
		panic("nil tx")
	}
	tx.db.ReadCount.Add(1)
	return nonNil(def.dataBucketIn(tx.stx)).Get(id.key())
}

// FindNear returns the newest record with an identifier at or before start,
// or (0, nil) when no record qualifies. Log tailers use this to locate the
// record they should resume after. On log stores this pins the transaction's
// read bound the same way opening a forward cursor does.
func (tx *Tx) FindNear(def *StoreDef, start RecordID) (RecordID, []byte) {
	if tx == nil {
		panic("nil tx")
	}
	st := tx.db.storeState(def)
	if def.log {
		tx.logReadLimit(st)
	}
	tx.db.ReadCount.Add(1)

	bcur := nonNil(def.dataBucketIn(tx.stx)).Cursor()
	k, v := bcur.Seek(start.key())
	if k == nil {
		k, v = bcur.Last()
	} else if must(recordIDFromKey(k)) != start {
		k, v = bcur.Prev()
	}
	if k == nil {
		return 0, nil
	}
	return must(recordIDFromKey(k)), v
}
