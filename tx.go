package capstore

import (
	"fmt"
	"runtime/debug"
	"time"
)

type Txish interface {
	DBTx() *Tx
}

type Tx struct {
	db  *DB
	stx storageTx

	written          bool
	commitDespiteErr bool
	resolved         bool
	closed           bool
	tracked          bool

	startTime time.Time
	stack     string

	memo map[string]any

	readLimits map[*StoreDef]RecordID

	commitHooks   []func()
	rollbackHooks []func()

	changeHandler func(def *StoreDef, op Op, id RecordID)
}

func (db *DB) newTx(stx storageTx, memo map[string]any) *Tx {
	tx := &Tx{
		db:   db,
		stx:  stx,
		memo: memo,
	}
	if trackTxns {
		tx.startTime = time.Now()
		tx.stack = string(debug.Stack())
		tx.tracked = true
		db.addTx(tx)
	}
	return tx
}

// DBTx implements Txish
func (tx *Tx) DBTx() *Tx {
	return tx
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) Schema() *Schema {
	return tx.db.schema
}

func (tx *Tx) IsWritable() bool {
	return tx.stx.Writable()
}

// OnChange registers a handler invoked synchronously for every record this
// transaction puts or deletes, before the transaction commits.
func (tx *Tx) OnChange(f func(def *StoreDef, op Op, id RecordID)) {
	tx.changeHandler = f
}

func (tx *Tx) notifyChange(def *StoreDef, op Op, id RecordID) {
	if tx.changeHandler != nil {
		tx.changeHandler(def, op, id)
	}
}

// OnCommit schedules f to run after this transaction commits successfully.
// Hooks run in registration order, in the committing goroutine, outside the
// engine transaction.
func (tx *Tx) OnCommit(f func()) {
	tx.commitHooks = append(tx.commitHooks, f)
}

// OnRollback schedules f to run if this transaction does not commit.
// Hooks run in reverse registration order so later changes unwind first.
func (tx *Tx) OnRollback(f func()) {
	tx.rollbackHooks = append(tx.rollbackHooks, f)
}

// CommitDespiteError makes db.Tx commit the changes written so far even when
// the callback returns an error.
func (tx *Tx) CommitDespiteError() {
	tx.commitDespiteErr = true
}

func (tx *Tx) markWritten() {
	tx.written = true
}

// LimitLogReads bounds this transaction's view of a log store: records past
// readUntil stay hidden from this transaction's cursors even once committed,
// and readUntil itself is visible only when committed. Cursors opened without
// an explicit limit pin the store's current read bound on first use.
func (tx *Tx) LimitLogReads(def *StoreDef, readUntil RecordID) {
	if !def.log {
		panic(fmt.Errorf("%w: %s is not a log store", ErrIllegalOperation, def.name))
	}
	if tx.readLimits == nil {
		tx.readLimits = make(map[*StoreDef]RecordID)
	}
	tx.readLimits[def] = readUntil
}

func (tx *Tx) logReadLimit(st *Store) RecordID {
	if v, ok := tx.readLimits[st.def]; ok {
		return v
	}
	v := st.logReadBound()
	tx.LimitLogReads(st.def, v)
	return v
}

func (db *DB) Tx(writable bool, f func(tx *Tx) error) error {
	if writable {
		tx := db.BeginUpdate()
		defer tx.Close()
		funcErr := safelyCall(f, tx)
		if funcErr != nil && tx.written && !tx.commitDespiteErr {
			return funcErr // Close rolls the changes back
		}
		err := tx.Commit()
		if err == nil {
			err = funcErr
		}
		return err
	} else {
		tx := db.BeginRead()
		defer tx.Close()
		return safelyCall(f, tx)
	}
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}

func (db *DB) BeginRead() *Tx {
	stx, err := db.stor.BeginTx(false)
	if err != nil {
		panic(fmt.Errorf("failed to start reading: %w", err))
	}
	db.ReaderCount.Add(1)
	return db.newTx(stx, nil)
}

func (db *DB) Read(f func(tx *Tx)) {
	tx := db.BeginRead()
	defer tx.Close()
	f(tx)
}
func (db *DB) ReadErr(f func(tx *Tx) error) error {
	tx := db.BeginRead()
	defer tx.Close()
	return f(tx)
}

func (db *DB) Write(f func(tx *Tx)) {
	tx := db.BeginUpdate()
	defer tx.Close()
	f(tx)
	err := tx.Commit()
	if err != nil {
		panic(fmt.Errorf("commit: %w", err))
	}
}

func (db *DB) BeginUpdate() *Tx {
	db.PendingWriterCount.Add(1)
	stx, err := db.stor.BeginTx(true)
	db.PendingWriterCount.Add(-1)
	if err != nil {
		panic(fmt.Errorf("db.BeginTx(true) failed: %w", err))
	}
	db.WriterCount.Add(1)
	return db.newTx(stx, nil)
}

func (tx *Tx) Commit() error {
	size := tx.stx.Size()
	err := tx.stx.Commit()
	if err != nil {
		return err
	}
	if size > 0 {
		tx.db.lastSize.Store(size)
	}
	tx.finish(true)
	return nil
}

func (tx *Tx) Close() {
	if tx.closed {
		return
	}
	tx.closed = true
	// The only error Rollback returns is about a foreign error condition;
	// after a successful Commit it is a no-op.
	ensure(tx.stx.Rollback())
	tx.finish(false)
	if tx.tracked {
		tx.tracked = false
		tx.db.removeTx(tx)
	}
	if tx.stx.Writable() {
		tx.db.WriterCount.Add(-1)
	} else {
		tx.db.ReaderCount.Add(-1)
	}
}

func (tx *Tx) finish(committed bool) {
	if tx.resolved {
		return
	}
	tx.resolved = true
	commitHooks, rollbackHooks := tx.commitHooks, tx.rollbackHooks
	tx.commitHooks, tx.rollbackHooks = nil, nil
	if committed {
		for _, f := range commitHooks {
			f()
		}
	} else {
		for i := len(rollbackHooks) - 1; i >= 0; i-- {
			rollbackHooks[i]()
		}
	}
}

func (tx *Tx) GetMemo(key string) (any, bool) {
	v, found := tx.memo[key]
	return v, found
}

func (tx *Tx) Memo(key string, f func() (any, error)) (any, error) {
	v, found := tx.memo[key]
	if found {
		if e, ok := v.(error); ok {
			return nil, e
		}
		return v, nil
	}

	if tx.memo == nil {
		tx.memo = make(map[string]any)
	}

	v, err := f()
	if err != nil {
		tx.memo[key] = err
	} else {
		tx.memo[key] = v
	}
	return v, err
}

func Memo[T any](txish Txish, key string, f func() (T, error)) (T, error) {
	tx := txish.DBTx()
	v, err := tx.Memo(key, func() (any, error) {
		return f()
	})
	return v.(T), err
}
