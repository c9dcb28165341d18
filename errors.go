package capstore

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBucketNotFound is returned by storageTx.DeleteBucket when the bucket doesn't exist.
var ErrBucketNotFound = errors.New("bucket not found")

var (
	// ErrWriteConflict signals a transient engine-level conflict; internal
	// maintenance swallows it and retries later, callers may retry the
	// enclosing transaction.
	ErrWriteConflict = errors.New("write conflict")

	// ErrNotFound is the expected outcome of seeks and lookups that miss.
	ErrNotFound = errors.New("record not found")

	ErrInvalidOptions      = errors.New("invalid options")
	ErrIllegalOperation    = errors.New("illegal operation")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrCorrupted           = errors.New("corruption detected")
	ErrIncompatibleVersion = errors.New("incompatible store format version")
	ErrDatabaseInUse       = errors.New("database already in use by another process")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

type StoreError struct {
	Store string
	ID    RecordID
	Msg   string
	Err   error
}

func storeErrf(def *StoreDef, id RecordID, err error, format string, args ...any) error {
	return &StoreError{def.name, id, fmt.Sprintf(format, args...), err}
}

func storeErrName(store string, id RecordID, err error, format string, args ...any) error {
	return &StoreError{store, id, fmt.Sprintf(format, args...), err}
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Store)
	if e.ID != 0 {
		buf.WriteByte('/')
		buf.WriteString(e.ID.String())
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
