package capstore

import (
	"bytes"
	"math/rand/v2"
)

// Cursor iterates over a store in identifier order, skipping records that are
// not yet visible to other transactions of a capped store.
//
// A cursor is only valid within the transaction that opened it. Before
// writing to the store through the same transaction, call Save, and call
// Restore afterwards to revalidate the position.
type Cursor struct {
	tx      *Tx
	st      *Store
	forward bool

	bcur       storageCursor
	positioned bool

	readUntil      RecordID
	lastReturnedID RecordID
	eof            bool
}

// Cursor opens an iterator over the given store. Forward cursors on log
// stores pin the transaction's read bound the same way LimitLogReads does,
// freezing the set of records this transaction may observe.
func (tx *Tx) Cursor(def *StoreDef, forward bool) *Cursor {
	if tx == nil {
		panic("nil tx")
	}
	st := tx.db.storeState(def)
	c := &Cursor{tx: tx, st: st, forward: forward}
	if def.log {
		if forward {
			c.readUntil = tx.logReadLimit(st)
		} else if v, ok := tx.readLimits[def]; ok {
			c.readUntil = v
		}
	}
	tx.db.ReadCount.Add(1)
	return c
}

func (c *Cursor) ensureCursor() {
	if c.bcur == nil {
		c.bcur = nonNil(c.st.def.dataBucketIn(c.tx.stx)).Cursor()
		c.positioned = false
	}
}

// advance moves one step in the cursor's direction. An unpositioned cursor
// lands on the first (or last) record of the store.
func (c *Cursor) advance() ([]byte, []byte) {
	if !c.positioned {
		c.positioned = true
		if c.forward {
			return c.bcur.First()
		}
		return c.bcur.Last()
	}
	if c.forward {
		return c.bcur.Next()
	}
	return c.bcur.Prev()
}

// searchNear positions at the record closest to key, preferring the next
// larger one, and reports which side of key it landed on. Returns nil keys
// only when the store is empty.
func (c *Cursor) searchNear(key []byte) ([]byte, []byte, int) {
	c.positioned = true
	k, v := c.bcur.Seek(key)
	if k == nil {
		k, v = c.bcur.Last()
		if k == nil {
			return nil, nil, 0
		}
		return k, v, -1
	}
	if bytes.Equal(k, key) {
		return k, v, 0
	}
	return k, v, 1
}

func (c *Cursor) isVisible(id RecordID) bool {
	st := c.st
	if !st.def.capped {
		return true
	}
	if c.readUntil.IsZero() || !st.def.log {
		// the normal capped case
		return !st.isCappedHidden(id)
	}
	if id == c.readUntil {
		// allowed to return the bound itself once it commits
		return !st.isCappedHidden(id)
	}
	return id < c.readUntil
}

// Next returns the next visible record, or (0, nil) once the cursor is
// exhausted. Hitting the visibility boundary of a capped store exhausts the
// cursor; a later Restore lets iteration resume past freshly committed
// records.
func (c *Cursor) Next() (RecordID, []byte) {
	if c.eof {
		return 0, nil
	}
	c.ensureCursor()

	mustAdvance := true
	var k, v []byte
	if c.lastReturnedID.IsZero() && !c.forward && c.st.def.capped {
		// A fresh reverse cursor must start at the highest visible record,
		// not the highest record.
		seekPoint := c.readUntil
		if seekPoint.IsZero() {
			if lowest, ok := c.st.lowestUncommitted(); ok {
				seekPoint = lowest
			}
		}
		if !seekPoint.IsZero() {
			var cmp int
			k, v, cmp = c.searchNear(seekPoint.key())
			if k == nil {
				c.eof = true
				return 0, nil
			}
			// If we landed at or past the lowest hidden record, we must
			// advance to get into the visible range.
			if c.st.isCappedHidden(seekPoint) {
				mustAdvance = cmp >= 0
			} else {
				mustAdvance = cmp > 0
			}
		}
	}

	if mustAdvance {
		k, v = c.advance()
		if k == nil {
			c.eof = true
			return 0, nil
		}
	}

	id := must(recordIDFromKey(k))
	if !c.isVisible(id) {
		c.eof = true
		return 0, nil
	}
	c.lastReturnedID = id
	return id, v
}

// SeekExact positions at the record with the given identifier, bypassing
// visibility filtering, and returns its payload. Returns (nil, false) when
// the record does not exist, leaving the cursor exhausted.
func (c *Cursor) SeekExact(id RecordID) ([]byte, bool) {
	c.ensureCursor()
	key := id.key()
	k, v := c.bcur.Seek(key)
	c.positioned = true
	if k == nil || !bytes.Equal(k, key) {
		c.eof = true
		return nil, false
	}
	c.lastReturnedID = id
	c.eof = false
	return v, true
}

// Save releases the cursor's position ahead of writes in the same
// transaction. The cursor remembers the last record it returned so that
// Restore can pick iteration back up.
func (c *Cursor) Save() {
	c.bcur = nil
	c.positioned = false
}

// SaveUnpositioned is Save for cursors that should afterwards restart from
// the beginning of the stream rather than their old position.
func (c *Cursor) SaveUnpositioned() {
	c.Save()
	c.lastReturnedID = 0
}

// Restore revalidates the cursor after a Save or after writes in the same
// transaction. It returns false when a capped store truncated the record the
// cursor was positioned on, because continuing would silently skip records.
func (c *Cursor) Restore() bool {
	c.ensureCursor()

	// An exhausted cursor is done and need not be repositioned.
	if c.eof {
		return true
	}
	if c.lastReturnedID.IsZero() {
		return true
	}

	k, _, cmp := c.searchNear(c.lastReturnedID.key())
	if k == nil {
		c.eof = true
		return !c.st.def.capped
	}
	if cmp == 0 {
		return true // landed right where we left off
	}

	if c.st.def.capped {
		// The record we were positioned on was truncated out from under us.
		// Error out so consumers don't silently see holes.
		c.eof = true
		return false
	}

	if c.forward && cmp > 0 {
		// We landed after where we were; step back so the next call to Next
		// returns the record we are standing on.
		if pk, _ := c.bcur.Prev(); pk == nil {
			c.positioned = false
		}
	} else if !c.forward && cmp < 0 {
		if nk, _ := c.bcur.Next(); nk == nil {
			c.positioned = false
		}
	}
	return true
}

// RandomCursor yields records sampled approximately uniformly by drawing
// random identifiers between the store's first and last records. Visibility
// filtering does not apply.
type RandomCursor struct {
	tx *Tx
	st *Store
}

func (tx *Tx) RandomCursor(def *StoreDef) *RandomCursor {
	if tx == nil {
		panic("nil tx")
	}
	tx.db.ReadCount.Add(1)
	return &RandomCursor{tx: tx, st: tx.db.storeState(def)}
}

// Next returns a randomly sampled record, or (0, nil) when the store is
// empty.
func (rc *RandomCursor) Next() (RecordID, []byte) {
	bcur := nonNil(rc.st.def.dataBucketIn(rc.tx.stx)).Cursor()
	firstK, firstV := bcur.First()
	if firstK == nil {
		return 0, nil
	}
	first := must(recordIDFromKey(firstK))
	lastK, lastV := bcur.Last()
	last := must(recordIDFromKey(lastK))
	if first == last {
		return first, firstV
	}

	id := first + RecordID(rand.Uint64N(uint64(last-first)+1))
	k, v := bcur.Seek(id.key())
	if k == nil {
		return last, lastV
	}
	return must(recordIDFromKey(k)), v
}
