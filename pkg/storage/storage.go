package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/gmpusage/pkg/types"
)

var (
	ErrEntryNotFound    = errors.New("entry not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Database persists the configured entry and the results of update cycles.
type Database interface {
	// Entry
	GetEntry(ctx context.Context, username string) (types.Entry, error)
	SetEntry(ctx context.Context, entry types.Entry) error

	// Snapshots are keyed by account and the result's UpdatedAt.
	InsertSnapshot(ctx context.Context, accountID string, result types.PollingResult) error
	GetLatestSnapshot(ctx context.Context, accountID string) (types.PollingResult, error)
	ListSnapshots(ctx context.Context, accountID string, start, end time.Time) ([]types.PollingResult, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "sqlite", "Storage provider to use (available: firestore, sqlite)")
	encryptionKey := lflag.RequiredString("credentials-encryption-key", "32 character key for encrypting the stored GMP password")

	var p struct{ Database }

	fs := configuredFirestore()
	sq := configuredSQLite()

	lflag.Do(func() {
		key := []byte(*encryptionKey)
		if len(key) != keySize {
			panic(fmt.Sprintf("credentials-encryption-key must be %d characters", keySize))
		}

		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			fs.key = key
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "sqlite":
			sq.key = key
			p.Database = sq
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
