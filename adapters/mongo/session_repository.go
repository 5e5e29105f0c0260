package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
)

// CollectionName holds one document per fork session, keyed by call leg
const CollectionName = "fork_sessions"

// SessionRecordRepository stores session summaries in MongoDB
type SessionRecordRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

var _ repositories.SessionRecordRepository = (*SessionRecordRepository)(nil)

// NewSessionRecordRepository creates the repository and its indexes
func NewSessionRecordRepository(db *mongo.Database, logger *zap.Logger) *SessionRecordRepository {
	collection := db.Collection(CollectionName)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "opened_at", Value: -1}}},
			{Keys: bson.D{{Key: "metadata.call_id", Value: 1}}},
			{Keys: bson.D{{Key: "state", Value: 1}}},
		})
		if err != nil {
			logger.Error("Failed to create fork session indexes", zap.Error(err))
			return
		}
		logger.Debug("Fork session indexes created")
	}()

	return &SessionRecordRepository{
		collection: collection,
		logger:     logger,
	}
}

// Create inserts record. A leg reopened after a restart replaces its
// previous document.
func (r *SessionRecordRepository) Create(ctx context.Context, record *entities.SessionRecord) error {
	if record == nil {
		return errors.New("session record cannot be nil")
	}
	if record.ID == "" {
		return errors.New("session ID cannot be empty")
	}
	if record.OpenedAt.IsZero() {
		record.OpenedAt = time.Now()
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := r.collection.ReplaceOne(ctx, bson.M{"_id": record.ID}, record, opts); err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}
	return nil
}

// Update overwrites the mutable fields of record
func (r *SessionRecordRepository) Update(ctx context.Context, record *entities.SessionRecord) error {
	if record == nil {
		return errors.New("session record cannot be nil")
	}
	if record.ID == "" {
		return errors.New("session ID cannot be empty")
	}

	update := bson.M{
		"$set": bson.M{
			"state":            record.State,
			"closed_at":        record.ClosedAt,
			"close_reason":     record.CloseReason,
			"tasks_completed":  record.TasksCompleted,
			"tasks_failed":     record.TasksFailed,
			"tasks_cancelled":  record.TasksCancelled,
			"tasks_evicted":    record.TasksEvicted,
			"frames_forwarded": record.FramesForwarded,
			"frames_dropped":   record.FramesDropped,
			"dtmf_relayed":     record.DTMFRelayed,
		},
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": record.ID}, update)
	if err != nil {
		return fmt.Errorf("failed to update session record: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("session record %s: %w", record.ID, domain.ErrSessionNotFound)
	}
	return nil
}

// GetByID loads the record of one call leg
func (r *SessionRecordRepository) GetByID(ctx context.Context, id string) (*entities.SessionRecord, error) {
	if id == "" {
		return nil, errors.New("session ID cannot be empty")
	}

	var record entities.SessionRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session record %s: %w", id, err)
	}
	return &record, nil
}

// ListRecent returns up to limit records, newest first
func (r *SessionRecordRepository) ListRecent(ctx context.Context, limit int) ([]*entities.SessionRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "opened_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}
	defer cursor.Close(ctx)

	records := []*entities.SessionRecord{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode session records: %w", err)
	}
	return records, nil
}
