package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/apvlv/runpodComfyUIworker/internal/config"
	"github.com/apvlv/runpodComfyUIworker/internal/job"
)

// ErrNotFound no record exists for the job id
var ErrNotFound = errors.New("job not found")

const keyPrefix = "job:"

// interruptedMessage is the result of a job whose process went away mid-run
const interruptedMessage = "Job interrupted by worker restart"

type cacheEntry struct {
	record    Record
	expiresAt time.Time
}

// Manager stores job records in Redis with an in-memory cache.
// Without Redis the cache is the only store.
type Manager struct {
	redis   *redis.Client
	records sync.Map // in-memory record cache: id -> cacheEntry
	ttl     time.Duration
	logger  *logrus.Logger
}

// NewManager creates a job store, backed by Redis when one is configured
func NewManager(cfg config.RedisConfig, ttl time.Duration) *Manager {
	var rdb *redis.Client
	if cfg.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	return newManager(rdb, ttl)
}

func newManager(rdb *redis.Client, ttl time.Duration) *Manager {
	return &Manager{
		redis:  rdb,
		ttl:    ttl,
		logger: config.NewLogger(),
	}
}

// Ping checks the Redis connection
func (m *Manager) Ping(ctx context.Context) error {
	if m.redis == nil {
		return nil
	}
	if err := m.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (m *Manager) Close() error {
	if m.redis == nil {
		return nil
	}
	return m.redis.Close()
}

// Save stores a copy of the record
func (m *Manager) Save(ctx context.Context, record *Record) error {
	if m.redis != nil {
		recordJSON, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal job record: %w", err)
		}
		if err := m.redis.Set(ctx, keyPrefix+record.ID, recordJSON, m.ttl).Err(); err != nil {
			return fmt.Errorf("failed to save job record to Redis: %w", err)
		}
	}

	m.cache(*record)

	m.logger.WithFields(logrus.Fields{
		"job_id": record.ID,
		"status": record.Status,
	}).Debug("Job record saved")

	return nil
}

// Get gets a record by job id
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	// first search from memory cache
	if value, ok := m.records.Load(id); ok {
		entry := value.(cacheEntry)
		if !m.expired(entry) {
			record := entry.record
			return &record, nil
		}
		m.records.Delete(id)
	}

	if m.redis == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	recordJSON, err := m.redis.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job record from Redis: %w", err)
	}

	var record Record
	if err := json.Unmarshal(recordJSON, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
	}

	// update memory cache
	m.cache(record)

	return &record, nil
}

// Metrics counts the cached records by status
func (m *Manager) Metrics(context.Context) (*Metrics, error) {
	metrics := &Metrics{}

	m.records.Range(func(key, value any) bool {
		entry := value.(cacheEntry)
		if m.expired(entry) {
			m.records.Delete(key)
			return true
		}

		metrics.TotalJobs++
		switch entry.record.Status {
		case StatusInProgress:
			metrics.InProgressJobs++
		case StatusCompleted:
			metrics.CompletedJobs++
		case StatusFailed:
			metrics.FailedJobs++
		}
		return true
	})

	return metrics, nil
}

// Recover loads stored records into the cache. Records still in progress
// belong to a previous process that can no longer finish them, so they are
// marked failed.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.redis == nil {
		return 0, nil
	}

	count := 0
	interrupted := 0

	iter := m.redis.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		recordJSON, err := m.redis.Get(ctx, key).Bytes()
		if err != nil {
			// expired between scan and get
			if errors.Is(err, redis.Nil) {
				continue
			}
			return count, fmt.Errorf("failed to load job record %s: %w", key, err)
		}

		var record Record
		if err := json.Unmarshal(recordJSON, &record); err != nil {
			m.logger.WithError(err).WithField("key", key).Warn("Failed to unmarshal job record")
			continue
		}

		if !record.Finished() {
			record.MarkFinished(job.ErrorResult(interruptedMessage))
			if err := m.Save(ctx, &record); err != nil {
				return count, err
			}
			interrupted++

			m.logger.WithField("job_id", record.ID).Warn("Marked interrupted job as failed")
		} else {
			m.cache(record)
		}
		count++
	}
	if err := iter.Err(); err != nil {
		return count, fmt.Errorf("failed to scan job records: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"total_jobs":       count,
		"interrupted_jobs": interrupted,
	}).Info("Loaded job records from Redis")

	return count, nil
}

func (m *Manager) cache(record Record) {
	entry := cacheEntry{record: record}
	if m.ttl > 0 {
		entry.expiresAt = time.Now().Add(m.ttl)
	}
	m.records.Store(record.ID, entry)
}

func (m *Manager) expired(entry cacheEntry) bool {
	return !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)
}
