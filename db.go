package capstore

import (
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"go.etcd.io/bbolt"
)

const trackTxns = true

type DB struct {
	stor    storage
	flk     *flock.Flock
	schema  *Schema
	logf    func(format string, args ...any)
	verbose bool
	strict  bool

	storeStates []*Store

	lastSize           atomic.Int64
	ReaderCount        atomic.Int64
	WriterCount        atomic.Int64
	PendingWriterCount atomic.Int64
	ReadCount          atomic.Uint64
	WriteCount         atomic.Uint64

	txns     []*Tx
	txnsLock sync.Mutex

	reclaimers sync.WaitGroup
	closeOnce  sync.Once
}

type Options struct {
	Logf      func(format string, args ...any)
	Verbose   bool
	IsTesting bool
	MmapSize  int

	// InMemory keeps all data in a transient in-process store, for tests.
	InMemory bool

	// NoLock skips the process-exclusive lock file next to the database.
	NoLock bool
}

func Open(path string, schema *Schema, opt Options) (*DB, error) {
	if opt.Logf == nil {
		opt.Logf = log.Printf
	}

	var stor storage
	var flk *flock.Flock
	if opt.InMemory {
		stor = newMemStorage()
	} else {
		if !opt.NoLock {
			flk = flock.New(path + ".lock")
			locked, err := flk.TryLock()
			if err != nil {
				return nil, fmt.Errorf("capstore: lock: %w", err)
			}
			if !locked {
				return nil, fmt.Errorf("capstore: %s: %w", path, ErrDatabaseInUse)
			}
		}

		bopt := &bbolt.Options{
			Timeout: 10 * time.Second,
		}
		*bopt = *bbolt.DefaultOptions
		if opt.IsTesting {
			bopt.NoSync = true
			bopt.NoFreelistSync = true
			bopt.InitialMmapSize = 1024 * 1024 * 5
		} else {
			bopt.InitialMmapSize = 1024 * 1024 * 1024
			bopt.FreelistType = bbolt.FreelistMapType
		}
		if opt.MmapSize != 0 {
			bopt.InitialMmapSize = opt.MmapSize
		}

		bdb, err := bbolt.Open(path, 0666, bopt)
		if err != nil {
			if flk != nil {
				flk.Unlock()
			}
			return nil, fmt.Errorf("capstore: %w", err)
		}
		stor = newBoltStorage(bdb)
	}

	db := &DB{
		stor:        stor,
		flk:         flk,
		schema:      schema,
		logf:        opt.Logf,
		verbose:     opt.Verbose,
		storeStates: make([]*Store, len(schema.stores)),
		strict:      opt.IsTesting,
	}

	err := db.Tx(true, func(tx *Tx) error {
		for i, def := range schema.stores {
			st, err := prepareStore(tx, def)
			if err != nil {
				return err
			}
			db.storeStates[i] = st
		}
		for _, st := range db.storeStates {
			if st.def.log {
				if err := initMarkers(tx, st); err != nil {
					return err
				}
			}
		}
		for _, st := range db.storeStates {
			st.saveMeta(tx)
		}
		return nil
	})
	if err != nil {
		db.releaseStorage()
		return nil, err
	}

	for _, st := range db.storeStates {
		if st.def.log && !st.def.noReclaimer {
			db.reclaimers.Add(1)
			go db.runReclaimer(st)
		}
	}

	return db, nil
}

// Bolt returns the underlying Bolt handle, or nil for in-memory storage.
func (db *DB) Bolt() *bbolt.DB {
	if bs, ok := db.stor.(*boltStorage); ok {
		return bs.bdb
	}
	return nil
}

func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

// Close marks all stores as shutting down, waits out the background
// truncation goroutines, flushes counters and releases the database file.
// Safe to call more than once.
func (db *DB) Close() {
	db.closeOnce.Do(db.close)
}

func (db *DB) close() {
	for _, st := range db.storeStates {
		st.shutDown()
	}
	db.reclaimers.Wait()
	db.Write(func(tx *Tx) {
		for _, st := range db.storeStates {
			st.saveMeta(tx)
		}
	})
	db.releaseStorage()
}

func (db *DB) releaseStorage() {
	err := db.stor.Close()
	if err != nil {
		panic(fmt.Errorf("capstore: closing: %w", err))
	}
	if db.flk != nil {
		ensure(db.flk.Unlock())
	}
}

func (db *DB) addTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := -1
	for i, t := range db.txns {
		if t == tx {
			found = i
			break
		}
	}
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms\n", ms)
		} else {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms:\n%s", ms, tx.stack)
		}
	}

	return buf.String()
}
