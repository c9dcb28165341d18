package capstore

import (
	"fmt"
	"strings"
	"time"
)

var dataBucket = makeBucketName("data")

type Schema struct {
	stores            []*StoreDef
	storesByLowerName map[string]*StoreDef
}

func NewSchema() *Schema {
	return &Schema{
		storesByLowerName: make(map[string]*StoreDef),
	}
}

func (scm *Schema) Stores() []*StoreDef {
	return append([]*StoreDef(nil), scm.stores...)
}

func (scm *Schema) StoreNamed(name string) *StoreDef {
	return scm.storesByLowerName[strings.ToLower(name)]
}

type bucketName []byte

func makeBucketName(name string) bucketName {
	return bucketName(name)
}

func (bn bucketName) String() string {
	return string(bn)
}

func (bn bucketName) Raw() []byte {
	return []byte(bn)
}

type StoreOptions struct {
	// Capped bounds the store: once DataSize reaches MaxBytes (or NumRecords
	// exceeds MaxDocs, when set), inserts remove the oldest records to make
	// room. MaxBytes is required for capped stores, MaxDocs is optional.
	Capped   bool
	MaxBytes int64
	MaxDocs  int64

	// Log marks a capped store whose record identifiers are derived from
	// timestamps embedded in the payloads rather than allocated by a counter,
	// and whose retention runs through truncation markers in the background
	// instead of the synchronous capped deleter. Log stores cannot have
	// MaxDocs and require ExtractLogTime.
	Log            bool
	ExtractLogTime func(payload []byte) (LogTime, error)

	// RecordSizeHint is the assumed typical record size, used to pick how
	// many truncation markers to maintain. Defaults to 16 MiB.
	RecordSizeHint int64

	// OnCappedDelete, when set, is invoked for every record the capped
	// deleter is about to remove. Returning an error aborts the cleanup pass.
	OnCappedDelete func(tx *Tx, id RecordID, payload []byte) error

	// NoReclaimer disables the background truncation goroutine of a log
	// store. The embedder then drives reclamation through
	// Store.AwaitTruncationWorkOrShutdown and DB.ReclaimLog.
	NoReclaimer bool

	// Capped deleter tuning, zero means default.
	DeleteSlack       int64
	DeleteLockWait    time.Duration
	MaxDeletesPerPass int
}

// StoreDef describes a single record store. Define stores once via AddStore
// before opening the database, then pass the definition to Tx and DB methods.
type StoreDef struct {
	schema *Schema
	name   string
	pos    int // index in schema.stores, unstable across code changes
	buck   bucketName

	capped   bool
	log      bool
	maxBytes int64
	maxDocs  int64

	extractLogTime func([]byte) (LogTime, error)
	recordSizeHint int64
	onCappedDelete func(*Tx, RecordID, []byte) error
	noReclaimer    bool

	deleteSlack       int64
	deleteLockWait    time.Duration
	maxDeletesPerPass int
}

func AddStore(scm *Schema, name string, opt StoreOptions) *StoreDef {
	if name == "" {
		panic(fmt.Errorf("%w: store name cannot be empty", ErrInvalidOptions))
	}
	if scm.storesByLowerName[strings.ToLower(name)] != nil {
		panic(fmt.Errorf("%w: store %s defined twice", ErrInvalidOptions, name))
	}
	if opt.Capped && opt.MaxBytes <= 0 {
		panic(fmt.Errorf("%w: capped store %s needs a positive MaxBytes", ErrInvalidOptions, name))
	}
	if !opt.Capped && (opt.MaxBytes != 0 || opt.MaxDocs != 0) {
		panic(fmt.Errorf("%w: store %s has capped limits but is not capped", ErrInvalidOptions, name))
	}
	if opt.MaxDocs < 0 {
		panic(fmt.Errorf("%w: store %s has negative MaxDocs", ErrInvalidOptions, name))
	}
	if opt.Log {
		if !opt.Capped {
			panic(fmt.Errorf("%w: log store %s must be capped", ErrInvalidOptions, name))
		}
		if opt.MaxDocs != 0 {
			panic(fmt.Errorf("%w: log store %s cannot limit MaxDocs", ErrInvalidOptions, name))
		}
		if opt.ExtractLogTime == nil {
			panic(fmt.Errorf("%w: log store %s needs ExtractLogTime", ErrInvalidOptions, name))
		}
	} else if opt.ExtractLogTime != nil {
		panic(fmt.Errorf("%w: store %s has ExtractLogTime but is not a log store", ErrInvalidOptions, name))
	}

	def := &StoreDef{
		schema:         scm,
		name:           name,
		pos:            len(scm.stores),
		buck:           makeBucketName(name),
		capped:         opt.Capped,
		log:            opt.Log,
		maxBytes:       opt.MaxBytes,
		maxDocs:        opt.MaxDocs,
		extractLogTime: opt.ExtractLogTime,
		recordSizeHint: opt.RecordSizeHint,
		onCappedDelete: opt.OnCappedDelete,
		noReclaimer:    opt.NoReclaimer,

		deleteSlack:       opt.DeleteSlack,
		deleteLockWait:    opt.DeleteLockWait,
		maxDeletesPerPass: opt.MaxDeletesPerPass,
	}
	if def.recordSizeHint <= 0 {
		def.recordSizeHint = defaultRecordSizeHint
	}
	if def.deleteSlack <= 0 {
		def.deleteSlack = min(def.maxBytes/10, maxCappedDeleteSlack)
	}
	if def.deleteLockWait <= 0 {
		def.deleteLockWait = defaultCappedDeleteLockWait
	}
	if def.maxDeletesPerPass <= 0 {
		def.maxDeletesPerPass = defaultMaxDeletesPerPass
	}

	scm.stores = append(scm.stores, def)
	scm.storesByLowerName[strings.ToLower(name)] = def
	return def
}

func (def *StoreDef) Name() string {
	return def.name
}

func (def *StoreDef) IsCapped() bool {
	return def.capped
}

func (def *StoreDef) IsLog() bool {
	return def.log
}

func (def *StoreDef) MaxBytes() int64 {
	return def.maxBytes
}

func (def *StoreDef) MaxDocs() int64 {
	return def.maxDocs
}
