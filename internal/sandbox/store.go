// Package sandbox is a local stand-in for the expense backend. It serves the
// expense, receipt, and extraction endpoints the ingestion pipeline talks to,
// and runs a receipt scanner in the background after each upload.
package sandbox

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/receipt-ingest/internal/expense"
)

const (
	expensesBucket    = "expenses"
	receiptsBucket    = "receipts"
	extractionsBucket = "extractions"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// StoredReceipt is a receipt plus where its image lives
type StoredReceipt struct {
	expense.Receipt
	Filename    string `json:"filename"`
	StoragePath string `json:"storagePath"`
}

// Store defines the interface for database operations
type Store interface {
	// CreateExpense assigns the next expense id to e and saves it
	CreateExpense(e *expense.Draft) error

	// SaveExpense overwrites an existing expense
	SaveExpense(e *expense.Draft) error

	// GetExpense retrieves an expense by ID
	GetExpense(id int64) (*expense.Draft, error)

	// ListExpenses returns all expenses ordered by ID
	ListExpenses() ([]*expense.Draft, error)

	// CreateReceipt assigns the next receipt id to r and saves it
	CreateReceipt(r *StoredReceipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(id int64) (*StoredReceipt, error)

	// DeleteReceipt removes a receipt; unknown ids are not an error
	DeleteReceipt(id int64) error

	// SaveExtraction stores the extraction for its receipt
	SaveExtraction(x *expense.Extraction) error

	// GetExtraction retrieves the extraction for a receipt
	GetExtraction(receiptID int64) (*expense.Extraction, error)

	// Close closes the database connection
	Close() error
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{expensesBucket, receiptsBucket, extractionsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// itob encodes an id as a big-endian key so cursor order is id order
func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func put(tx *bbolt.Tx, bucket string, id int64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s record: %w", bucket, err)
	}
	return tx.Bucket([]byte(bucket)).Put(itob(id), data)
}

func (b *BoltStore) get(bucket string, id int64, v any) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get(itob(id))
		if data == nil {
			return fmt.Errorf("%s %d: %w", bucket, id, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

// CreateExpense assigns the next expense id to e and saves it
func (b *BoltStore) CreateExpense(e *expense.Draft) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		seq, err := tx.Bucket([]byte(expensesBucket)).NextSequence()
		if err != nil {
			return fmt.Errorf("allocating expense id: %w", err)
		}
		e.ID = int64(seq)
		return put(tx, expensesBucket, e.ID, e)
	})
}

// SaveExpense overwrites an existing expense
func (b *BoltStore) SaveExpense(e *expense.Draft) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(expensesBucket)).Get(itob(e.ID)) == nil {
			return fmt.Errorf("%s %d: %w", expensesBucket, e.ID, ErrNotFound)
		}
		return put(tx, expensesBucket, e.ID, e)
	})
}

// GetExpense retrieves an expense by ID
func (b *BoltStore) GetExpense(id int64) (*expense.Draft, error) {
	var e expense.Draft
	if err := b.get(expensesBucket, id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListExpenses returns all expenses ordered by ID
func (b *BoltStore) ListExpenses() ([]*expense.Draft, error) {
	expenses := make([]*expense.Draft, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(expensesBucket)).ForEach(func(k, v []byte) error {
			var e expense.Draft
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshaling expense: %w", err)
			}
			expenses = append(expenses, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return expenses, nil
}

// CreateReceipt assigns the next receipt id to r and saves it
func (b *BoltStore) CreateReceipt(r *StoredReceipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		seq, err := tx.Bucket([]byte(receiptsBucket)).NextSequence()
		if err != nil {
			return fmt.Errorf("allocating receipt id: %w", err)
		}
		r.ID = int64(seq)
		return put(tx, receiptsBucket, r.ID, r)
	})
}

// GetReceipt retrieves a receipt by ID
func (b *BoltStore) GetReceipt(id int64) (*StoredReceipt, error) {
	var r StoredReceipt
	if err := b.get(receiptsBucket, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteReceipt removes a receipt
func (b *BoltStore) DeleteReceipt(id int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(receiptsBucket)).Delete(itob(id))
	})
}

// SaveExtraction stores the extraction for its receipt
func (b *BoltStore) SaveExtraction(x *expense.Extraction) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, extractionsBucket, x.ReceiptID, x)
	})
}

// GetExtraction retrieves the extraction for a receipt
func (b *BoltStore) GetExtraction(receiptID int64) (*expense.Extraction, error) {
	var x expense.Extraction
	if err := b.get(extractionsBucket, receiptID, &x); err != nil {
		return nil, err
	}
	return &x, nil
}

// Close closes the database connection
func (b *BoltStore) Close() error {
	return b.db.Close()
}
