package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	receiptsBucket       = "receipts"
	usersBucket          = "users"
	usersByChannelBucket = "users_by_channel"
)

// DB defines the interface for database operations
type DB interface {
	// SaveReceipt inserts or replaces a receipt
	SaveReceipt(ctx context.Context, receipt *Receipt) error

	// GetReceipt retrieves an active receipt by ID, ErrNotFound otherwise
	GetReceipt(ctx context.Context, id string) (*Receipt, error)

	// ListReceipts returns one page of active receipts, newest first, and the total match count
	ListReceipts(ctx context.Context, filter ListFilter) ([]*Receipt, int, error)

	// GetOrCreateUser returns the user for candidate.ChannelAddress, inserting
	// candidate if there is none. Concurrent calls for one address yield one row.
	GetOrCreateUser(ctx context.Context, candidate *User) (*User, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{receiptsBucket, usersBucket, usersByChannelBucket} {
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

	return &BoltDB{db: db}, nil
}

// SaveReceipt saves a receipt to the database
func (b *BoltDB) SaveReceipt(ctx context.Context, receipt *Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("marshaling receipt: %w", err)
		}
		return tx.Bucket([]byte(receiptsBucket)).Put([]byte(receipt.ID), data)
	})
}

// GetReceipt retrieves an active receipt by ID
func (b *BoltDB) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(receiptsBucket)).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &receipt)
	})
	if err != nil {
		return nil, err
	}
	if !receipt.Active {
		return nil, ErrNotFound
	}
	return receipt, nil
}

// ListReceipts filters in memory; a chat-driven receipt book stays small per owner
func (b *BoltDB) ListReceipts(ctx context.Context, filter ListFilter) ([]*Receipt, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	filter = filter.normalize()

	matched := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(receiptsBucket)).ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if filter.matches(&receipt) {
				matched = append(matched, &receipt)
			}
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UploadedAt.Equal(matched[j].UploadedAt) {
			return matched[i].UploadedAt.After(matched[j].UploadedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := filter.offset()
	if start >= total {
		return []*Receipt{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}

	return matched[start:end], total, nil
}

func (f ListFilter) matches(r *Receipt) bool {
	if !r.Active {
		return false
	}
	if f.OwnerID != "" && r.OwnerID != f.OwnerID {
		return false
	}
	if f.Category != "" && !strings.EqualFold(r.Category, f.Category) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(r.FileName), q) &&
			!strings.Contains(strings.ToLower(r.Description), q) &&
			!strings.Contains(strings.ToLower(r.Category), q) {
			return false
		}
	}
	return true
}

// GetOrCreateUser runs lookup and insert in a single write transaction.
// Bolt allows one writer at a time, so the second caller sees the first's row.
func (b *BoltDB) GetOrCreateUser(ctx context.Context, candidate *User) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var user *User
	err := b.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket([]byte(usersBucket))
		index := tx.Bucket([]byte(usersByChannelBucket))

		if id := index.Get([]byte(candidate.ChannelAddress)); id != nil {
			data := users.Get(id)
			if data == nil {
				return fmt.Errorf("user index points to missing user %s", id)
			}
			return json.Unmarshal(data, &user)
		}

		data, err := json.Marshal(candidate)
		if err != nil {
			return fmt.Errorf("marshaling user: %w", err)
		}
		if err := users.Put([]byte(candidate.ID), data); err != nil {
			return err
		}
		if err := index.Put([]byte(candidate.ChannelAddress), []byte(candidate.ID)); err != nil {
			return err
		}
		created := *candidate
		user = &created
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("getting or creating user: %w", err)
	}

	return user, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
