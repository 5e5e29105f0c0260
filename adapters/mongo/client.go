package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const (
	defaultDatabase = "audio_fork"
	connectTimeout  = 10 * time.Second
)

// ErrNoURI is returned when history storage is requested without a server
var ErrNoURI = errors.New("mongo: no connection URI")

// Client is a connection scoped to the database holding session history
type Client struct {
	client   *mongo.Client
	Database *mongo.Database
}

// NewClient connects to uri and selects dbName. The server must answer a
// ping before the bridge relies on it for records.
func NewClient(ctx context.Context, uri, dbName string, logger *zap.Logger) (*Client, error) {
	if uri == "" {
		return nil, ErrNoURI
	}
	if dbName == "" {
		dbName = defaultDatabase
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(uri).
		SetAppName("audio-fork-bridge").
		SetServerSelectionTimeout(5 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("Session history stored in MongoDB", zap.String("database", dbName))
	return &Client{client: client, Database: client.Database(dbName)}, nil
}

// Close disconnects. Record writes still in flight fail.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}
