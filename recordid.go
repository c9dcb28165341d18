package capstore

import (
	"encoding/binary"
	"strconv"
)

const keyLen = 8

// RecordID identifies a record within a store. IDs increase monotonically,
// so key order is both insertion order and, for capped stores, truncation
// order. Zero is never a valid ID.
type RecordID uint64

const maxRecordID = RecordID(1<<64 - 1)

func (id RecordID) IsZero() bool {
	return id == 0
}

func (id RecordID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// LogTime is the externally-assigned position of a log store record,
// a seconds-and-counter pair packed into a RecordID as (Secs << 32) | Inc.
type LogTime struct {
	Secs uint32
	Inc  uint32
}

func (t LogTime) ID() RecordID {
	return RecordID(uint64(t.Secs)<<32 | uint64(t.Inc))
}

func (id RecordID) LogTime() LogTime {
	return LogTime{uint32(uint64(id) >> 32), uint32(uint64(id))}
}

func (t LogTime) String() string {
	return strconv.FormatUint(uint64(t.Secs), 10) + "." + strconv.FormatUint(uint64(t.Inc), 10)
}

func (id RecordID) appendKey(buf []byte) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(id))
}

func (id RecordID) key() []byte {
	return id.appendKey(make([]byte, 0, keyLen))
}

func recordIDFromKey(k []byte) (RecordID, error) {
	if len(k) != keyLen {
		return 0, dataErrf(k, 0, nil, "invalid record key")
	}
	return RecordID(binary.BigEndian.Uint64(k)), nil
}
