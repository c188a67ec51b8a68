package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/notehive/collab-gateway/internal/collab"
)

const (
	envTestRedisURL = "NOTEHIVE_TEST_REDIS_URL"
	envTestMongoURI = "NOTEHIVE_TEST_MONGO_URI"
)

// exerciseStore runs the lifecycle every backend must honour.
func exerciseStore(t *testing.T, store collab.Store, noteID collab.NoteID) {
	t.Helper()
	ctx := context.Background()
	t.Cleanup(func() {
		_ = store.Delete(context.Background(), noteID)
	})

	session, err := store.Create(ctx, noteID)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.Create(ctx, noteID); !errors.Is(err, collab.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	session.ActiveUsers = []collab.Participant{{UserID: "user-remote", ConnectionID: "conn-remote", JoinedAt: time.Now().UTC()}}
	if err := store.Save(ctx, session); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	sessions, err := store.FindByUser(ctx, "user-remote")
	if err != nil {
		t.Fatalf("find by user failed: %v", err)
	}
	found := false
	for _, candidate := range sessions {
		if candidate.NoteID == noteID.String() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s among sessions for user-remote", noteID)
	}

	if err := store.Delete(ctx, noteID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Save(ctx, session); !errors.Is(err, collab.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestRedisStoreLifecycle(t *testing.T) {
	redisURL := os.Getenv(envTestRedisURL)
	if redisURL == "" {
		t.Skipf("%s not set", envTestRedisURL)
	}
	client, err := OpenRedis(context.Background(), redisURL)
	if err != nil {
		t.Fatalf("failed to open redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(RedisStoreConfig{Client: client, TTL: time.Minute})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	exerciseStore(t, store, collab.NoteID("redis-note-"+time.Now().Format("150405.000000")))
}

func TestMongoStoreLifecycle(t *testing.T) {
	mongoURI := os.Getenv(envTestMongoURI)
	if mongoURI == "" {
		t.Skipf("%s not set", envTestMongoURI)
	}
	ctx := context.Background()
	client, err := OpenMongo(ctx, mongoURI)
	if err != nil {
		t.Fatalf("failed to open mongo: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	store, err := NewMongoStore(MongoStoreConfig{
		Database:   client.Database("notehive_test"),
		Collection: "collaboration_sessions_test",
		TTL:        time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("failed to ensure indexes: %v", err)
	}
	exerciseStore(t, store, collab.NoteID("mongo-note-"+time.Now().Format("150405.000000")))
}
