package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	log "github.com/sirupsen/logrus"
)

const DefaultRedisKeyPrefix = "edge_events:session:"

// RedisStore keeps session state in Redis so a fleet of clients sharing a
// unique id can resume from each other's last cloudlet.
type RedisStore struct {
	pool *redis.Pool
	key  string
	ttl  time.Duration
}

// NewRedisPool dials address lazily, the way every redigo pool does.
func NewRedisPool(address string, maxIdle int) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     maxIdle,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", address,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(5*time.Second),
				redis.DialWriteTimeout(5*time.Second))
		},
	}
}

// NewRedisStore stores state under DefaultRedisKeyPrefix+clientID. A ttl of
// zero keeps the key forever.
func NewRedisStore(pool *redis.Pool, clientID string, ttl time.Duration) *RedisStore {
	return &RedisStore{pool: pool, key: DefaultRedisKeyPrefix + clientID, ttl: ttl}
}

func (s *RedisStore) SaveSessionState(state *SessionState) error {
	cp := *state
	cp.UpdatedAt = time.Now()
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}

	conn := s.pool.Get()
	defer conn.Close()
	if s.ttl > 0 {
		_, err = conn.Do("SET", s.key, data, "EX", int(s.ttl.Seconds()))
	} else {
		_, err = conn.Do("SET", s.key, data)
	}
	if err != nil {
		return fmt.Errorf("save session state to redis, key:%s: %w", s.key, err)
	}
	log.Debugf("[RedisStore] session state saved, key:%s", s.key)
	return nil
}

// GetSessionState returns nil when nothing was saved or Redis is unreachable.
func (s *RedisStore) GetSessionState() *SessionState {
	conn := s.pool.Get()
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", s.key))
	if err != nil {
		if !errors.Is(err, redis.ErrNil) {
			log.Warningf("[RedisStore] failed to read session state, key:%s, err:%v", s.key, err)
		}
		return nil
	}
	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Errorf("[RedisStore] bad session state, key:%s, err:%v", s.key, err)
		return nil
	}
	return &state
}

func (s *RedisStore) Close() error {
	return s.pool.Close()
}
