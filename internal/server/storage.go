package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oicur0t/sqlaudit/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// StorageConfig holds what NewStorage needs to connect
type StorageConfig struct {
	URI           string
	Database      string
	Collection    string
	Timeout       time.Duration
	MaxPoolSize   uint64
	RetentionDays int
}

// Storage keeps received records in MongoDB, one document per UniqueKey
type Storage struct {
	client        *mongo.Client
	collection    *mongo.Collection
	retentionDays int
	timeout       time.Duration
	logger        *zap.Logger

	indexMu sync.Mutex
	indexed bool
}

// NewStorage connects to MongoDB and verifies the connection
func NewStorage(ctx context.Context, cfg StorageConfig, logger *zap.Logger) (*Storage, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	clientOpts := options.Client().ApplyURI(cfg.URI).SetTimeout(timeout)
	if cfg.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("Connected to MongoDB",
		zap.String("database", cfg.Database),
		zap.String("collection", cfg.Collection),
		zap.Uint64("max_pool_size", cfg.MaxPoolSize))

	return &Storage{
		client:        client,
		collection:    client.Database(cfg.Database).Collection(cfg.Collection),
		retentionDays: cfg.RetentionDays,
		timeout:       timeout,
		logger:        logger,
	}, nil
}

// UpsertRecords replaces or inserts every record keyed by UniqueKey, so
// a redelivered batch leaves one document per record.
func (s *Storage) UpsertRecords(ctx context.Context, records []models.StoredRecord) (UpsertResult, error) {
	if len(records) == 0 {
		return UpsertResult{}, nil
	}

	s.ensureIndexesOnce(ctx)

	writes := make([]mongo.WriteModel, 0, len(records))
	for _, rec := range records {
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: rec.UniqueKey}}).
			SetReplacement(rec).
			SetUpsert(true))
	}

	res, err := s.collection.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to upsert records: %w", err)
	}

	result := UpsertResult{
		Inserted: int(res.UpsertedCount),
		Updated:  int(res.MatchedCount),
	}
	s.logger.Info("Batch stored",
		zap.Int("records", len(records)),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated))

	return result, nil
}

// ensureIndexesOnce creates the indexes on the first batch and retries on
// later batches until it succeeds
func (s *Storage) ensureIndexesOnce(ctx context.Context) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	if s.indexed {
		return
	}

	ctx, cancel := indexContext(ctx, s.timeout)
	defer cancel()

	if err := s.ensureIndexes(ctx); err != nil {
		// Don't fail the batch if index creation fails
		s.logger.Error("Failed to ensure indexes", zap.Error(err))
		return
	}
	s.indexed = true
}

// indexContext keeps the request's values but not its cancellation, so a
// client hanging up does not abort index creation
func indexContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	if _, err := s.collection.Indexes().CreateMany(ctx, indexModels(s.retentionDays)); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func indexModels(retentionDays int) []mongo.IndexModel {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "time_generated", Value: -1}},
			Options: options.Index().SetName("time_generated_desc"),
		},
		{
			Keys: bson.D{
				{Key: "log_type", Value: 1},
				{Key: "time_generated", Value: -1},
			},
			Options: options.Index().SetName("log_type_time_generated"),
		},
		{
			Keys: bson.D{
				{Key: "client_ip", Value: 1},
				{Key: "time_generated", Value: -1},
			},
			Options: options.Index().SetName("client_ip_time_generated"),
		},
	}

	if retentionDays > 0 {
		ttlSeconds := int32(retentionDays * 24 * 60 * 60)
		indexes = append(indexes, mongo.IndexModel{
			Keys: bson.D{{Key: "received_at", Value: 1}},
			Options: options.Index().
				SetName("ttl_index").
				SetExpireAfterSeconds(ttlSeconds),
		})
	}
	return indexes
}

// Close closes the MongoDB connection
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
