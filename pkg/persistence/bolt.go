package persistence

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/fenwicklabs/testkiln/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEvents       = []byte("events")
	bucketPlans        = []byte("plans")
	bucketResults      = []byte("results")
	bucketEnvironments = []byte("environments")
)

// BoltStore implements Store on top of a single BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the orchestrator's database
// file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "testkiln.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEvents, bucketPlans, bucketResults, bucketEnvironments} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// AppendEvent appends a log record, assigning it the bucket's next
// sequence number.
func (s *BoltStore) AppendEvent(ev Event) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		n, err := b.NextSequence()
		if err != nil {
			return err
		}
		seq = n
		ev.Seq = seq
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	return seq, err
}

// ListEvents returns every event in ascending sequence order.
func (s *BoltStore) ListEvents() ([]Event, error) {
	var events []Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("corrupt event at seq %x: %w", k, err)
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

// PutPlan upserts a durable plan submission record.
func (s *BoltStore) PutPlan(plan *types.ExecutionPlan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlans)
		data, err := json.Marshal(plan)
		if err != nil {
			return err
		}
		return b.Put([]byte(plan.ID), data)
	})
}

// GetPlan retrieves a durable plan submission by ID.
func (s *BoltStore) GetPlan(planID string) (*types.ExecutionPlan, error) {
	var plan types.ExecutionPlan
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlans)
		data := b.Get([]byte(planID))
		if data == nil {
			return fmt.Errorf("plan not found: %s", planID)
		}
		return json.Unmarshal(data, &plan)
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func resultKey(testID string, attempt int) []byte {
	return []byte(fmt.Sprintf("%s#%d", testID, attempt))
}

// PutResult upserts a terminal result, keyed by (test_id, attempt). The
// write is idempotent: repeating it with the same content is a no-op in
// effect (P9).
func (s *BoltStore) PutResult(result *types.TestResult) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return b.Put(resultKey(result.TestID, result.Attempt), data)
	})
}

// GetResult retrieves a terminal result by (test_id, attempt).
func (s *BoltStore) GetResult(testID string, attempt int) (*types.TestResult, error) {
	var result types.TestResult
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		data := b.Get(resultKey(testID, attempt))
		if data == nil {
			return fmt.Errorf("result not found: %s attempt %d", testID, attempt)
		}
		return json.Unmarshal(data, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetLatestResult scans the (test_id, attempt) key range for testID and
// returns the one with the highest attempt number, the test's final
// outcome regardless of how many earlier attempts were retried away.
func (s *BoltStore) GetLatestResult(testID string) (*types.TestResult, error) {
	prefix := []byte(testID + "#")
	var latest *types.TestResult
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r types.TestResult
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("corrupt result at key %s: %w", k, err)
			}
			if latest == nil || r.Attempt > latest.Attempt {
				rc := r
				latest = &rc
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fmt.Errorf("result not found: %s", testID)
	}
	return latest, nil
}

// ListResults returns every stored terminal result.
func (s *BoltStore) ListResults() ([]*types.TestResult, error) {
	var results []*types.TestResult
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		return b.ForEach(func(k, v []byte) error {
			var r types.TestResult
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			results = append(results, &r)
			return nil
		})
	})
	return results, err
}

// PutEnvironment upserts an environment pool snapshot record.
func (s *BoltStore) PutEnvironment(env *types.Environment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvironments)
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return b.Put([]byte(env.ID), data)
	})
}

// ListEnvironments returns every stored environment snapshot.
func (s *BoltStore) ListEnvironments() ([]*types.Environment, error) {
	var envs []*types.Environment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvironments)
		return b.ForEach(func(k, v []byte) error {
			var e types.Environment
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			envs = append(envs, &e)
			return nil
		})
	})
	return envs, err
}

// DeleteEnvironment removes an environment snapshot (used when an
// environment is permanently decommissioned).
func (s *BoltStore) DeleteEnvironment(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvironments)
		return b.Delete([]byte(id))
	})
}

var _ Store = (*BoltStore)(nil)
