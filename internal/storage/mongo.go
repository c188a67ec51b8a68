package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/notehive/collab-gateway/internal/collab"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const (
	defaultMongoCollection = "collaboration_sessions"
	mongoConnectTimeout    = 10 * time.Second
)

var errMissingMongoDatabase = errors.New("storage: mongo database is required")

// MongoStoreConfig configures a MongoStore.
type MongoStoreConfig struct {
	Database   *mongo.Database
	Collection string
	TTL        time.Duration
	Clock      collab.Clock
	Logger     *zap.Logger
}

// MongoStore keeps one document per note. A TTL index on lastActivity lets the
// server remove idle sessions; reads filter them out until the TTL monitor runs.
type MongoStore struct {
	collection *mongo.Collection
	ttl        time.Duration
	clock      collab.Clock
	logger     *zap.Logger
}

func NewMongoStore(cfg MongoStoreConfig) (*MongoStore, error) {
	if cfg.Database == nil {
		return nil, errMissingMongoDatabase
	}
	name := cfg.Collection
	if name == "" {
		name = defaultMongoCollection
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = collab.DefaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoStore{collection: cfg.Database.Collection(name), ttl: ttl, clock: clock, logger: logger}, nil
}

// OpenMongo connects to uri and verifies the primary is reachable.
func OpenMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("storage: connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("storage: ping mongo: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the unique note index and the lastActivity TTL index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "noteId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_note_id"),
		},
		{
			Keys:    bson.D{{Key: "activeUsers.userId", Value: 1}},
			Options: options.Index().SetName("idx_active_user"),
		},
		{
			Keys: bson.D{{Key: "lastActivity", Value: 1}},
			Options: options.Index().
				SetExpireAfterSeconds(int32(s.ttl / time.Second)).
				SetName("ttl_last_activity"),
		},
	})
	if err != nil {
		return collab.StorageError("ensure_indexes", err)
	}
	return nil
}

func (s *MongoStore) cutoff() time.Time {
	return s.clock().Add(-s.ttl).UTC()
}

func (s *MongoStore) Find(ctx context.Context, noteID collab.NoteID) (collab.Session, error) {
	var session collab.Session
	err := s.collection.FindOne(ctx, bson.M{
		"noteId":       noteID.String(),
		"lastActivity": bson.M{"$gte": s.cutoff()},
	}).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return collab.Session{}, collab.ErrSessionNotFound
	}
	if err != nil {
		return collab.Session{}, collab.StorageError("find", err)
	}
	if session.ActiveUsers == nil {
		session.ActiveUsers = []collab.Participant{}
	}
	return session, nil
}

func (s *MongoStore) Create(ctx context.Context, noteID collab.NoteID) (collab.Session, error) {
	session := collab.NewSession(noteID, s.clock().UTC())
	_, err := s.collection.InsertOne(ctx, session)
	if err == nil {
		return session, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return collab.Session{}, collab.StorageError("create", err)
	}

	// the existing document may be idle and merely awaiting the TTL monitor
	result, err := s.collection.ReplaceOne(ctx, bson.M{
		"noteId":       noteID.String(),
		"lastActivity": bson.M{"$lt": s.cutoff()},
	}, session)
	if err != nil {
		return collab.Session{}, collab.StorageError("create", err)
	}
	if result.MatchedCount == 0 {
		return collab.Session{}, collab.ErrDuplicateKey
	}
	return session, nil
}

func (s *MongoStore) Save(ctx context.Context, session collab.Session) error {
	result, err := s.collection.ReplaceOne(ctx, bson.M{"noteId": session.NoteID}, session)
	if err != nil {
		return collab.StorageError("save", err)
	}
	if result.MatchedCount == 0 {
		return collab.ErrSessionNotFound
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, noteID collab.NoteID) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"noteId": noteID.String()}); err != nil {
		return collab.StorageError("delete", err)
	}
	return nil
}

func (s *MongoStore) FindByUser(ctx context.Context, userID collab.UserID) ([]collab.Session, error) {
	cursor, err := s.collection.Find(ctx, bson.M{
		"activeUsers.userId": userID.String(),
		"lastActivity":       bson.M{"$gte": s.cutoff()},
	})
	if err != nil {
		return nil, collab.StorageError("find_by_user", err)
	}
	defer cursor.Close(ctx)

	var sessions []collab.Session
	for cursor.Next(ctx) {
		var session collab.Session
		if err := cursor.Decode(&session); err != nil {
			noteID, _ := cursor.Current.Lookup("noteId").StringValueOK()
			logUndecodable(s.logger, noteID, err)
			continue
		}
		sessions = append(sessions, session)
	}
	if err := cursor.Err(); err != nil {
		return nil, collab.StorageError("find_by_user", err)
	}
	return sessions, nil
}

func (s *MongoStore) PurgeExpired(ctx context.Context) (int, error) {
	result, err := s.collection.DeleteMany(ctx, bson.M{"lastActivity": bson.M{"$lt": s.cutoff()}})
	if err != nil {
		return 0, collab.StorageError("purge", err)
	}
	return int(result.DeletedCount), nil
}
