// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package persist

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// failedKeyPrefix namespaces failed-set entries inside a shared badger
// instance.
const failedKeyPrefix = "persistfailed:"

// FailedEntry records one job that exhausted its retries, with enough
// context for an operator to diagnose and requeue it.
type FailedEntry struct {
	Job      *Job      `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// FailedSet is the durable parking lot for exhausted persistence jobs.
// Entries survive restarts and are keyed by job id, so repeated poison
// deliveries of the same job collapse to one entry.
type FailedSet struct {
	db *badger.DB
}

// NewFailedSet wraps a badger instance.
func NewFailedSet(db *badger.DB) *FailedSet {
	return &FailedSet{db: db}
}

// Add records a failed job. Idempotent on job id.
func (f *FailedSet) Add(job *Job, reason string) error {
	entry := FailedEntry{Job: job, Reason: reason, FailedAt: time.Now().UTC()}
	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal failed entry: %w", err)
	}
	return f.db.Update(func(txn *badger.Txn) error {
		return txn.Set(failedKey(job.ID), data)
	})
}

// Get returns the entry for a job id, or nil when absent.
func (f *FailedSet) Get(jobID string) (*FailedEntry, error) {
	var entry FailedEntry
	err := f.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(failedKey(jobID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns all parked entries.
func (f *FailedSet) List() ([]*FailedEntry, error) {
	var entries []*FailedEntry
	err := f.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(failedKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var entry FailedEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			e := entry
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Remove deletes an entry, typically after a successful manual
// requeue.
func (f *FailedSet) Remove(jobID string) error {
	return f.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(failedKey(jobID))
	})
}

func failedKey(jobID string) []byte {
	return append([]byte(failedKeyPrefix), jobID...)
}
