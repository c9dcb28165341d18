package capstore

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// InspectedStore describes one store found in a database file, read without
// knowing the embedder's schema.
type InspectedStore struct {
	Name          string
	ID            string
	FormatVersion uint32

	Capped   bool
	MaxBytes int64
	MaxDocs  int64
	Log      bool

	// The persisted counters, which may trail reality after an unclean
	// shutdown.
	NumRecords int64
	DataSize   int64
	LastSeen   time.Time

	// What a scan of the data actually finds.
	LiveRecords int64
	LiveBytes   int64
	BadKeys     int64
	FirstID     RecordID
	LastID      RecordID
}

// Inspect reads store metadata and record counts straight out of a database
// file. Unlike Open, it needs no schema, so tools can examine any database
// regardless of which program produced it. The file is opened read-only and
// must not be open for writing elsewhere.
func Inspect(path string) ([]InspectedStore, error) {
	bdb, err := bbolt.Open(path, 0666, &bbolt.Options{
		ReadOnly: true,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("capstore: %w", err)
	}
	defer bdb.Close()

	var result []InspectedStore
	err = bdb.View(func(btx *bbolt.Tx) error {
		return btx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			raw := b.Get(storeStateKey)
			if raw == nil {
				return nil // not a record store bucket
			}
			meta, err := decodeStoreMeta(string(name), raw)
			if err != nil {
				return err
			}
			info := InspectedStore{
				Name:          string(name),
				ID:            meta.StoreID,
				FormatVersion: meta.FormatVersion,
				Capped:        meta.Capped,
				MaxBytes:      meta.MaxBytes,
				MaxDocs:       meta.MaxDocs,
				Log:           meta.Log,
				NumRecords:    meta.NumRecords,
				DataSize:      meta.DataSize,
				LastSeen:      meta.LastSeen,
			}
			if dataB := b.Bucket(dataBucket.Raw()); dataB != nil {
				c := dataB.Cursor()
				for k, v := c.First(); k != nil; k, v = c.Next() {
					info.LiveRecords++
					info.LiveBytes += int64(len(v))
					id, err := recordIDFromKey(k)
					if err != nil {
						info.BadKeys++
						continue
					}
					if info.FirstID.IsZero() {
						info.FirstID = id
					}
					info.LastID = id
				}
			}
			result = append(result, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// InspectRecords streams the raw records of one store in a database file to
// fn, oldest first, until fn returns false. Like Inspect, it needs no schema.
func InspectRecords(path, store string, fn func(id RecordID, payload []byte) bool) error {
	bdb, err := bbolt.Open(path, 0666, &bbolt.Options{
		ReadOnly: true,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("capstore: %w", err)
	}
	defer bdb.Close()

	return bdb.View(func(btx *bbolt.Tx) error {
		b := btx.Bucket([]byte(store))
		if b == nil {
			return storeErrName(store, 0, ErrNotFound, "no such store in this database")
		}
		dataB := b.Bucket(dataBucket.Raw())
		if dataB == nil {
			return storeErrName(store, 0, ErrNotFound, "store has no data bucket")
		}
		c := dataB.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			id, err := recordIDFromKey(k)
			if err != nil {
				return storeErrName(store, 0, ErrCorrupted, "malformed record key %s", hexstr(k))
			}
			if !fn(id, v) {
				break
			}
		}
		return nil
	})
}
