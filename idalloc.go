package capstore

// seedIDsFrom primes identifier state from the newest record found at open.
func (st *Store) seedIDsFrom(last RecordID) {
	if st.def.log {
		st.highestSeen = last
	} else {
		st.nextID.Store(uint64(last) + 1)
	}
}

// nextRecordID hands out the next counter-mode identifier. Identifiers are
// never reused, even after truncation.
func (st *Store) nextRecordID() RecordID {
	return RecordID(st.nextID.Add(1) - 1)
}

// logRecordID derives a log store identifier from the timestamp embedded in
// the payload.
func (def *StoreDef) logRecordID(payload []byte) (RecordID, error) {
	t, err := def.extractLogTime(payload)
	if err != nil {
		return 0, storeErrf(def, 0, ErrInvalidPayload, "no log time in payload: %v", err)
	}
	id := t.ID()
	if id.IsZero() {
		return 0, storeErrf(def, 0, ErrInvalidPayload, "zero log time in payload")
	}
	return id, nil
}
