package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raterudder/gmpusage/pkg/log"
	"github.com/raterudder/gmpusage/pkg/types"
)

// FirestoreDatabase implements Database using Google Cloud Firestore.
// Entries live in "entries/{username}" and snapshots in
// "accounts/{accountID}/snapshots/{RFC3339 timestamp}".
type FirestoreDatabase struct {
	client    *firestore.Client
	projectID string
	database  string
	key       []byte
}

// configuredFirestore registers the firestore flags.
func configuredFirestore() *FirestoreDatabase {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreDatabase{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreDatabase) Validate() error {
	// an empty project ID is detected from the environment
	return nil
}

// Init creates the Firestore client. It must be called before any other
// method.
func (f *FirestoreDatabase) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreDatabase) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreDatabase) snapshots(accountID string) (*firestore.CollectionRef, error) {
	if accountID == "" {
		return nil, fmt.Errorf("accountID cannot be empty")
	}
	return f.client.Collection("accounts").Doc(accountID).Collection("snapshots"), nil
}

// GetEntry returns the entry stored for username with its password
// decrypted.
func (f *FirestoreDatabase) GetEntry(ctx context.Context, username string) (types.Entry, error) {
	if username == "" {
		return types.Entry{}, fmt.Errorf("username cannot be empty")
	}
	doc, err := f.client.Collection("entries").Doc(username).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Entry{}, ErrEntryNotFound
		}
		return types.Entry{}, fmt.Errorf("failed to fetch entry doc: %w", err)
	}

	jsonStr, err := jsonField(doc)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "invalid entry doc", slog.String("username", username), slog.Any("error", err))
		return types.Entry{}, err
	}

	var e types.Entry
	if err := json.Unmarshal([]byte(jsonStr), &e); err != nil {
		return types.Entry{}, fmt.Errorf("failed to unmarshal entry json: %w", err)
	}
	return openEntry(ctx, f.key, e)
}

// SetEntry stores entry with its password encrypted.
func (f *FirestoreDatabase) SetEntry(ctx context.Context, entry types.Entry) error {
	if entry.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	sealed, err := sealEntry(ctx, f.key, entry)
	if err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	_, err = f.client.Collection("entries").Doc(entry.Username).Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"updated": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save entry: %w", err)
	}
	return nil
}

// InsertSnapshot stores result under its UpdatedAt. The document ID is the
// RFC3339 timestamp for efficient range queries.
func (f *FirestoreDatabase) InsertSnapshot(ctx context.Context, accountID string, result types.PollingResult) error {
	if result.UpdatedAt.IsZero() {
		return fmt.Errorf("snapshot missing updatedAt")
	}
	jsonBytes, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	coll, err := f.snapshots(accountID)
	if err != nil {
		return err
	}
	docID := result.UpdatedAt.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
		"ts":   result.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// GetLatestSnapshot returns the most recent snapshot of accountID.
func (f *FirestoreDatabase) GetLatestSnapshot(ctx context.Context, accountID string) (types.PollingResult, error) {
	coll, err := f.snapshots(accountID)
	if err != nil {
		return types.PollingResult{}, err
	}
	iter := coll.
		OrderBy("ts", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return types.PollingResult{}, ErrSnapshotNotFound
	}
	if err != nil {
		return types.PollingResult{}, fmt.Errorf("failed to get latest snapshot doc: %w", err)
	}
	return decodeSnapshot(ctx, doc)
}

// ListSnapshots returns the snapshots taken in [start, end), oldest first.
func (f *FirestoreDatabase) ListSnapshots(ctx context.Context, accountID string, start, end time.Time) ([]types.PollingResult, error) {
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	coll, err := f.snapshots(accountID)
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var results []types.PollingResult
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating snapshots: %w", err)
		}
		r, err := decodeSnapshot(ctx, doc)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

func jsonField(doc *firestore.DocumentSnapshot) (string, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		return "", fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	return jsonStr, nil
}

func decodeSnapshot(ctx context.Context, doc *firestore.DocumentSnapshot) (types.PollingResult, error) {
	jsonStr, err := jsonField(doc)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "invalid snapshot doc", slog.String("docID", doc.Ref.ID), slog.Any("error", err))
		return types.PollingResult{}, err
	}
	var r types.PollingResult
	if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal snapshot", slog.String("docID", doc.Ref.ID), slog.Any("error", err))
		return types.PollingResult{}, fmt.Errorf("failed to unmarshal snapshot (id=%s): %w", doc.Ref.ID, err)
	}
	return r, nil
}
