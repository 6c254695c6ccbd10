package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks      = []byte("tasks")
	bucketPending    = []byte("pending")
	bucketDeferred   = []byte("deferred")
	bucketDeadLetter = []byte("dead_letter")
)

// BoltStorage persists the task queue in BoltDB. The pending and deferred
// buckets are time-ordered indexes into the tasks bucket.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage creates a new BoltDB storage.
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketPending, bucketDeferred, bucketDeadLetter} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return requeueRunning(tx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// requeueRunning returns tasks stranded in running back to the pending index.
// Claiming a task removes it from every index, so a worker dying mid-task
// would otherwise orphan its chain. The database is opened exclusively, so
// any running task found here belongs to a dead process; handlers tolerate
// the resulting re-delivery.
func requeueRunning(tx *bolt.Tx) error {
	taskBucket := tx.Bucket(bucketTasks)

	var stranded []*Task
	c := taskBucket.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var t Task
		if err := json.Unmarshal(v, &t); err != nil {
			continue
		}
		if t.Status == StatusRunning {
			stranded = append(stranded, &t)
		}
	}

	for _, t := range stranded {
		t.Status = StatusPending
		t.UpdatedAt = time.Now()

		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := taskBucket.Put([]byte(t.ID), data); err != nil {
			return err
		}
		indexKey := makeIndexKey(t.UpdatedAt, t.ID)
		if err := tx.Bucket(bucketPending).Put(indexKey, []byte(t.ID)); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue adds a task to the queue. A task with a future RunAt goes to the
// deferred index so workers skip it until due.
func (s *BoltStorage) Enqueue(ctx context.Context, task *Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now()
		if task.CreatedAt.IsZero() {
			task.CreatedAt = now
		}
		task.UpdatedAt = now

		if task.RunAt.After(now) {
			task.Status = StatusDeferred
			task.NextRetryAt = task.RunAt
		} else {
			task.Status = StatusPending
		}

		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		if err := tx.Bucket(bucketTasks).Put([]byte(task.ID), data); err != nil {
			return fmt.Errorf("failed to store task: %w", err)
		}

		if task.Status == StatusDeferred {
			indexKey := makeIndexKey(task.RunAt, task.ID)
			if err := tx.Bucket(bucketDeferred).Put(indexKey, []byte(task.ID)); err != nil {
				return fmt.Errorf("failed to add to deferred index: %w", err)
			}
			return nil
		}

		indexKey := makeIndexKey(task.CreatedAt, task.ID)
		if err := tx.Bucket(bucketPending).Put(indexKey, []byte(task.ID)); err != nil {
			return fmt.Errorf("failed to add to pending index: %w", err)
		}
		return nil
	})
}

// Dequeue claims the next due task. Deferred tasks whose time has come run
// before fresh pending work. Returns nil, nil when nothing is due.
func (s *BoltStorage) Dequeue(ctx context.Context) (*Task, error) {
	var task *Task

	err := s.db.Update(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)
		now := time.Now()

		claim := func(c *bolt.Cursor, dueOnly bool) (*Task, error) {
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if dueOnly {
					ts := parseTimestampFromKey(k)
					if ts.After(now) {
						return nil, nil // all remaining are in the future
					}
				}

				data := taskBucket.Get(v)
				if data == nil {
					c.Delete()
					continue
				}

				var t Task
				if err := json.Unmarshal(data, &t); err != nil {
					continue
				}

				t.Status = StatusRunning
				t.Attempt++
				t.UpdatedAt = now

				updated, err := json.Marshal(&t)
				if err != nil {
					return nil, err
				}
				if err := taskBucket.Put([]byte(t.ID), updated); err != nil {
					return nil, err
				}
				if err := c.Delete(); err != nil {
					return nil, err
				}
				return &t, nil
			}
			return nil, nil
		}

		t, err := claim(tx.Bucket(bucketDeferred).Cursor(), true)
		if err != nil || t != nil {
			task = t
			return err
		}

		t, err = claim(tx.Bucket(bucketPending).Cursor(), false)
		task = t
		return err
	})

	return task, err
}

// Defer reschedules a task to run again at runAt.
func (s *BoltStorage) Defer(ctx context.Context, task *Task, runAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task.Status = StatusDeferred
		task.NextRetryAt = runAt
		task.UpdatedAt = time.Now()

		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		if err := tx.Bucket(bucketTasks).Put([]byte(task.ID), data); err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		indexKey := makeIndexKey(runAt, task.ID)
		if err := tx.Bucket(bucketDeferred).Put(indexKey, []byte(task.ID)); err != nil {
			return fmt.Errorf("failed to add to deferred index: %w", err)
		}
		return nil
	})
}

// Update persists the task record without touching any index.
func (s *BoltStorage) Update(ctx context.Context, task *Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task.UpdatedAt = time.Now()

		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		return tx.Bucket(bucketTasks).Put([]byte(task.ID), data)
	})
}

// Get retrieves a task by ID. Returns nil, nil when absent.
func (s *BoltStorage) Get(ctx context.Context, id string) (*Task, error) {
	var task *Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return nil
		}
		task = &Task{}
		return json.Unmarshal(data, task)
	})
	return task, err
}

// List returns tasks matching the filter.
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	var tasks []*Task

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()

		count := 0
		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if filter.Status != "" && t.Status != filter.Status {
				continue
			}
			if filter.Type != "" && t.Type != filter.Type {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			tasks = append(tasks, &t)
			count++
			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}
		return nil
	})

	return tasks, err
}

// Delete removes a task and its index entries.
func (s *BoltStorage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)

		data := taskBucket.Get([]byte(id))
		if data != nil {
			var t Task
			if err := json.Unmarshal(data, &t); err == nil {
				tx.Bucket(bucketPending).Delete(makeIndexKey(t.CreatedAt, t.ID))
				tx.Bucket(bucketDeferred).Delete(makeIndexKey(t.NextRetryAt, t.ID))
			}
		}
		return taskBucket.Delete([]byte(id))
	})
}

// Stats returns queue statistics.
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			stats.Total++
			switch t.Status {
			case StatusPending:
				stats.Pending++
			case StatusRunning:
				stats.Running++
			case StatusDone:
				stats.Done++
			case StatusFailed:
				stats.Failed++
			case StatusDeferred:
				stats.Deferred++
			}
		}
		return nil
	})

	return stats, err
}

// Close closes the database connection.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance.
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// makeIndexKey creates a sortable key from timestamp and ID.
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.Format(time.RFC3339Nano) + ":" + id)
}

// parseTimestampFromKey extracts the timestamp from an index key.
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}

// MoveToDLQ parks a task that exhausted its retries.
func (s *BoltStorage) MoveToDLQ(ctx context.Context, task *Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task.Status = StatusFailed
		task.UpdatedAt = time.Now()

		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}

		indexKey := makeIndexKey(task.UpdatedAt, task.ID)
		if err := tx.Bucket(bucketDeadLetter).Put(indexKey, []byte(task.ID)); err != nil {
			return fmt.Errorf("failed to add to DLQ index: %w", err)
		}
		return tx.Bucket(bucketTasks).Put([]byte(task.ID), data)
	})
}

// ListDLQ returns parked tasks, oldest first.
func (s *BoltStorage) ListDLQ(ctx context.Context, limit, offset int) ([]*Task, error) {
	var tasks []*Task

	err := s.db.View(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)
		c := tx.Bucket(bucketDeadLetter).Cursor()

		count := 0
		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			data := taskBucket.Get(v)
			if data == nil {
				continue
			}
			var t Task
			if err := json.Unmarshal(data, &t); err != nil {
				continue
			}
			tasks = append(tasks, &t)
			count++
			if limit > 0 && count >= limit {
				break
			}
		}
		return nil
	})

	return tasks, err
}

// RetryFromDLQ moves a parked task back to the pending queue with a fresh
// retry budget.
func (s *BoltStorage) RetryFromDLQ(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)

		data := taskBucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task not found: %s", id)
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}

		c := tx.Bucket(bucketDeadLetter).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(v) == id {
				if err := c.Delete(); err != nil {
					return err
				}
				break
			}
		}

		t.Status = StatusPending
		t.Attempt = 0
		t.Failures = 0
		t.LastError = ""
		t.UpdatedAt = time.Now()

		updated, err := json.Marshal(&t)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		if err := taskBucket.Put([]byte(id), updated); err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		indexKey := makeIndexKey(t.UpdatedAt, t.ID)
		if err := tx.Bucket(bucketPending).Put(indexKey, []byte(t.ID)); err != nil {
			return fmt.Errorf("failed to add to pending: %w", err)
		}
		return nil
	})
}

// CleanupDone removes completed tasks older than maxAge.
func (s *BoltStorage) CleanupDone(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)
		c := taskBucket.Cursor()

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.Status == StatusDone && t.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}

		for _, k := range toDelete {
			if err := taskBucket.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}
