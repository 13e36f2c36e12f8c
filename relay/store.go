package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	bolt "go.etcd.io/bbolt"
)

// Store keeps the last retained message of each topic.
type Store interface {
	Put(ctx context.Context, topic string, payload []byte) error
	Get(ctx context.Context, topic string) ([]byte, bool, error)
	Delete(ctx context.Context, topic string) error
	Close() error
}

type memoryStore struct {
	mu       sync.Mutex
	retained map[string][]byte
}

func NewMemoryStore() Store {
	return &memoryStore{retained: map[string][]byte{}}
}

func (s *memoryStore) Put(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retained[topic] = append([]byte(nil), payload...)
	return nil
}

func (s *memoryStore) Get(ctx context.Context, topic string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.retained[topic]
	return payload, ok, nil
}

func (s *memoryStore) Delete(ctx context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retained, topic)
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}

var retainedBucket = []byte("retained")

type boltStore struct {
	db *bolt.DB
}

// OpenBoltStore keeps retained messages in a bolt file so they survive a
// relay restart.
func OpenBoltStore(path string) (Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("relay: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(retainedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Put(ctx context.Context, topic string, payload []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(retainedBucket).Put([]byte(topic), payload)
	})
}

func (s *boltStore) Get(ctx context.Context, topic string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(retainedBucket).Get([]byte(topic)); v != nil {
			// only valid inside the transaction
			payload = append([]byte(nil), v...)
		}
		return nil
	})
	return payload, payload != nil, err
}

func (s *boltStore) Delete(ctx context.Context, topic string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(retainedBucket).Delete([]byte(topic))
	})
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

type postgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore keeps retained messages in postgres, shared by every
// relay pointed at the same database.
func OpenPostgresStore(ctx context.Context, url string) (Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("relay: unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("relay: unable to connect to database: %w", err)
	}
	_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS retained (
		topic TEXT PRIMARY KEY,
		payload BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("relay: create retained table: %w", err)
	}
	return &postgresStore{pool: pool}, nil
}

func (s *postgresStore) Put(ctx context.Context, topic string, payload []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO retained (topic, payload) VALUES ($1, $2)
		ON CONFLICT (topic) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		topic, payload)
	return err
}

func (s *postgresStore) Get(ctx context.Context, topic string) ([]byte, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM retained WHERE topic = $1`, topic).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *postgresStore) Delete(ctx context.Context, topic string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM retained WHERE topic = $1`, topic)
	return err
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
