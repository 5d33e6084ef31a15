// Package mongo implements the record store on MongoDB. Each guarded update
// is expressed as a single conditional write — a filter carrying the guard
// plus an atomic update document — so concurrent callers are serialised by the
// server and the application never does read-modify-write.
//
// Collections: licenses (unique index on key), credits (unique index on
// user_id), stock (singleton document named "global"), audit.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/license-registry/license-registry/internal/store"
)

// stockName is the fixed key of the singleton stock counter document.
const stockName = "global"

func init() {
	store.Register("mongo", func(settings store.Settings) (store.Store, error) {
		return Connect(settings.URI, settings.Database)
	})
}

// Store is the MongoDB-backed record store.
type Store struct {
	client   *mongo.Client
	licenses *mongo.Collection
	credits  *mongo.Collection
	stock    *mongo.Collection
	audit    *mongo.Collection
}

// Connect dials the server, ensures the unique indexes the duplicate-key and
// compare-and-set semantics rely on, and initialises the stock counter.
func Connect(uri, database string) (*Store, error) {
	if uri == "" {
		return nil, errors.New("mongo store requires a connection URI")
	}
	if database == "" {
		database = "licenses"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:   client,
		licenses: db.Collection("licenses"),
		credits:  db.Collection("credits"),
		stock:    db.Collection("stock"),
		audit:    db.Collection("audit"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	if err := s.EnsureStock(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// ensureIndexes creates the unique indexes that back ErrDuplicateKey for
// license inserts and make the credit upserts race-safe. Index creation is
// idempotent on the server side.
func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.licenses.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating licenses.key index: %w", err)
	}
	_, err = s.credits.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating credits.user_id index: %w", err)
	}
	return nil
}

// --- LicenseStore ---

func (s *Store) InsertLicense(ctx context.Context, lic *store.License) error {
	_, err := s.licenses.InsertOne(ctx, lic)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("license %q: %w", lic.Key, store.ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("inserting license: %w", err)
	}
	return nil
}

func (s *Store) GetLicense(ctx context.Context, key string) (*store.License, error) {
	var lic store.License
	err := s.licenses.FindOne(ctx, bson.M{"key": key}).Decode(&lic)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching license: %w", err)
	}
	return &lic, nil
}

func (s *Store) ListLicensesByAssignee(ctx context.Context, userID string) ([]*store.License, error) {
	return s.findLicenses(ctx, bson.M{"assigned_to.id": userID})
}

func (s *Store) ListLicenses(ctx context.Context) ([]*store.License, error) {
	return s.findLicenses(ctx, bson.M{})
}

func (s *Store) findLicenses(ctx context.Context, filter bson.M) ([]*store.License, error) {
	cur, err := s.licenses.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing licenses: %w", err)
	}
	var out []*store.License
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding licenses: %w", err)
	}
	return out, nil
}

func (s *Store) BindLicense(ctx context.Context, key, placeID string, at time.Time) error {
	// The used:false guard in the filter makes this a compare-and-set: of
	// two racing first-use attempts, the server matches exactly one.
	res, err := s.licenses.UpdateOne(ctx,
		bson.M{"key": key, "used": false},
		bson.M{"$set": bson.M{
			"used":         true,
			"used_placeid": placeID,
			"used_at":      at,
		}},
	)
	if err != nil {
		return fmt.Errorf("binding license: %w", err)
	}
	if res.MatchedCount == 0 {
		// Distinguish "no such key" from "already bound" with a plain read;
		// the binding decision itself was already made atomically above.
		if _, getErr := s.GetLicense(ctx, key); getErr != nil {
			return getErr
		}
		return store.ErrConditionFailed
	}
	return nil
}

func (s *Store) DeleteLicense(ctx context.Context, key string) error {
	res, err := s.licenses.DeleteOne(ctx, bson.M{"key": key})
	if err != nil {
		return fmt.Errorf("deleting license: %w", err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteExpiredLicenses(ctx context.Context, now time.Time) (int64, error) {
	// $lt only matches date-typed values, so permanent keys (expires_at null)
	// are never selected.
	res, err := s.licenses.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": now}})
	if err != nil {
		return 0, fmt.Errorf("purging expired licenses: %w", err)
	}
	return res.DeletedCount, nil
}

// --- CreditStore ---

func (s *Store) GetAccount(ctx context.Context, userID string) (*store.CreditAccount, error) {
	var acct store.CreditAccount
	err := s.credits.FindOne(ctx, bson.M{"user_id": userID}).Decode(&acct)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching credit account: %w", err)
	}
	return &acct, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]*store.CreditAccount, error) {
	cur, err := s.credits.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("listing credit accounts: %w", err)
	}
	var out []*store.CreditAccount
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding credit accounts: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertCredits(ctx context.Context, userID string, amount int64, prefix string) (*store.CreditAccount, error) {
	update := bson.M{"$inc": bson.M{"credits": amount}}
	if prefix != "" {
		update["$set"] = bson.M{"prefix": prefix}
	}

	var acct store.CreditAccount
	err := s.credits.FindOneAndUpdate(ctx,
		bson.M{"user_id": userID},
		update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&acct)
	if err != nil {
		return nil, fmt.Errorf("upserting credits: %w", err)
	}
	return &acct, nil
}

func (s *Store) ConsumeCredit(ctx context.Context, userID string) (*store.CreditAccount, error) {
	// Guarded decrement: the credits>0 filter prevents two concurrent calls
	// racing on a balance of 1 from both winning. The pre-image is returned
	// so the caller can report the prefix and compute the remaining balance.
	var before store.CreditAccount
	err := s.credits.FindOneAndUpdate(ctx,
		bson.M{"user_id": userID, "credits": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"credits": -1}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := s.GetAccount(ctx, userID); getErr != nil {
			return nil, getErr
		}
		return nil, store.ErrConditionFailed
	}
	if err != nil {
		return nil, fmt.Errorf("consuming credit: %w", err)
	}
	return &before, nil
}

func (s *Store) DeductCredits(ctx context.Context, userID string, amount int64) (*store.CreditAccount, error) {
	var acct store.CreditAccount
	err := s.credits.FindOneAndUpdate(ctx,
		bson.M{"user_id": userID, "credits": bson.M{"$gte": amount}},
		bson.M{"$inc": bson.M{"credits": -amount}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&acct)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := s.GetAccount(ctx, userID); getErr != nil {
			return nil, getErr
		}
		return nil, store.ErrConditionFailed
	}
	if err != nil {
		return nil, fmt.Errorf("deducting credits: %w", err)
	}
	return &acct, nil
}

func (s *Store) ClearPrefixIfZero(ctx context.Context, userID string) error {
	// The credits:0 guard keeps the prefix claim alive while any balance
	// remains, even if a concurrent grant landed between the caller's
	// decrement and this write.
	_, err := s.credits.UpdateOne(ctx,
		bson.M{"user_id": userID, "credits": 0},
		bson.M{"$unset": bson.M{"prefix": ""}},
	)
	if err != nil {
		return fmt.Errorf("clearing prefix: %w", err)
	}
	return nil
}

func (s *Store) AppendGeneratedKey(ctx context.Context, userID, key string) error {
	_, err := s.credits.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$push":        bson.M{"generated_keys": key},
			"$setOnInsert": bson.M{"credits": int64(0)},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("appending generated key: %w", err)
	}
	return nil
}

// --- StockStore ---

func (s *Store) EnsureStock(ctx context.Context) error {
	_, err := s.stock.UpdateOne(ctx,
		bson.M{"name": stockName},
		bson.M{"$setOnInsert": bson.M{"credits": int64(0)}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("initialising stock counter: %w", err)
	}
	return nil
}

func (s *Store) AdjustStock(ctx context.Context, delta int64) (int64, error) {
	var doc struct {
		Credits int64 `bson:"credits"`
	}
	err := s.stock.FindOneAndUpdate(ctx,
		bson.M{"name": stockName},
		bson.M{"$inc": bson.M{"credits": delta}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("adjusting stock: %w", err)
	}
	return doc.Credits, nil
}

func (s *Store) StockLevel(ctx context.Context) (int64, error) {
	var doc struct {
		Credits int64 `bson:"credits"`
	}
	err := s.stock.FindOne(ctx, bson.M{"name": stockName}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading stock: %w", err)
	}
	return doc.Credits, nil
}

func (s *Store) ReserveStock(ctx context.Context, amount int64) error {
	res, err := s.stock.UpdateOne(ctx,
		bson.M{"name": stockName, "credits": bson.M{"$gte": amount}},
		bson.M{"$inc": bson.M{"credits": -amount}},
	)
	if err != nil {
		return fmt.Errorf("reserving stock: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrConditionFailed
	}
	return nil
}

// --- AuditStore ---

func (s *Store) InsertAudit(ctx context.Context, entry *store.AuditEntry) error {
	_, err := s.audit.InsertOne(ctx, entry)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, limit int64) ([]*store.AuditEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	cur, err := s.audit.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	var out []*store.AuditEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding audit entries: %w", err)
	}
	return out, nil
}

// --- lifecycle ---

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
