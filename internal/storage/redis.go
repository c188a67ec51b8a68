package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/notehive/collab-gateway/internal/collab"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisKeyPrefix     = "collab:session:"
	redisScanBatchSize = 100
	redisPingTimeout   = 5 * time.Second
)

var errMissingRedisClient = errors.New("storage: redis client is required")

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	Client redis.UniversalClient
	TTL    time.Duration
	Clock  collab.Clock
	Logger *zap.Logger
}

// RedisStore keeps one JSON value per note. Every write resets the key's expiry,
// so Redis itself drops sessions idle for longer than the TTL.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	clock  collab.Clock
	logger *zap.Logger
}

func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
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
	return &RedisStore{client: cfg.Client, ttl: ttl, clock: clock, logger: logger}, nil
}

// OpenRedis parses redisURL and verifies the server answers a ping.
func OpenRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("storage: connect to redis: %w", err)
	}
	return client, nil
}

func redisKey(noteID string) string {
	return redisKeyPrefix + noteID
}

func (s *RedisStore) Find(ctx context.Context, noteID collab.NoteID) (collab.Session, error) {
	data, err := s.client.Get(ctx, redisKey(noteID.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return collab.Session{}, collab.ErrSessionNotFound
	}
	if err != nil {
		return collab.Session{}, collab.StorageError("find", err)
	}
	session, err := decodeSession(data)
	if err != nil {
		return collab.Session{}, err
	}
	if session.IsExpired(s.clock(), s.ttl) {
		return collab.Session{}, collab.ErrSessionNotFound
	}
	return session, nil
}

func (s *RedisStore) Create(ctx context.Context, noteID collab.NoteID) (collab.Session, error) {
	session := collab.NewSession(noteID, s.clock().UTC())
	data, err := json.Marshal(session)
	if err != nil {
		return collab.Session{}, fmt.Errorf("storage: encode session: %w", err)
	}
	created, err := s.client.SetNX(ctx, redisKey(noteID.String()), data, s.ttl).Result()
	if err != nil {
		return collab.Session{}, collab.StorageError("create", err)
	}
	if !created {
		return collab.Session{}, collab.ErrDuplicateKey
	}
	return session, nil
}

func (s *RedisStore) Save(ctx context.Context, session collab.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("storage: encode session: %w", err)
	}
	updated, err := s.client.SetXX(ctx, redisKey(session.NoteID), data, s.ttl).Result()
	if err != nil {
		return collab.StorageError("save", err)
	}
	if !updated {
		return collab.ErrSessionNotFound
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, noteID collab.NoteID) error {
	if err := s.client.Del(ctx, redisKey(noteID.String())).Err(); err != nil {
		return collab.StorageError("delete", err)
	}
	return nil
}

func (s *RedisStore) FindByUser(ctx context.Context, userID collab.UserID) ([]collab.Session, error) {
	now := s.clock()
	var sessions []collab.Session
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", redisScanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// expired between SCAN and GET
			continue
		}
		if err != nil {
			return nil, collab.StorageError("find_by_user", err)
		}
		session, err := decodeSession(data)
		if err != nil {
			logUndecodable(s.logger, strings.TrimPrefix(key, redisKeyPrefix), err)
			continue
		}
		if session.NoteID == "" {
			session.NoteID = strings.TrimPrefix(key, redisKeyPrefix)
		}
		if session.IsExpired(now, s.ttl) || !session.HasUser(userID.String()) {
			continue
		}
		sessions = append(sessions, session)
	}
	if err := iter.Err(); err != nil {
		return nil, collab.StorageError("find_by_user", err)
	}
	return sessions, nil
}

// PurgeExpired is a no-op: Redis expires keys on its own.
func (s *RedisStore) PurgeExpired(context.Context) (int, error) {
	return 0, nil
}

func decodeSession(data []byte) (collab.Session, error) {
	var session collab.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return collab.Session{}, fmt.Errorf("storage: decode session: %w", err)
	}
	if session.ActiveUsers == nil {
		session.ActiveUsers = []collab.Participant{}
	}
	return session, nil
}
