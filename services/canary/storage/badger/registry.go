// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/robofleet/RoboFleet/services/canary/datatypes"
	"github.com/robofleet/RoboFleet/services/canary/engine"
)

// Key layout. Robot record keys embed a per-deployment sequence number so
// iteration order is append order.
//
//	dep:<deployment-id>           -> Deployment JSON
//	rec:<deployment-id>:<seq>     -> RobotRecord JSON
//	seq:<deployment-id>           -> badger.Sequence lease
const (
	deploymentPrefix = "dep:"
	recordPrefix     = "rec:"
	seqPrefix        = "seq:"
)

// seqBandwidth is how many sequence numbers a lease reserves at a time.
// Unreleased numbers leave gaps after a restart, which is fine: record
// ordering only needs monotonicity, not density.
const seqBandwidth = 64

// ErrRevisionConflict means a save raced a concurrent writer: the record's
// revision no longer matches the stored one. The engine serializes writers
// per deployment, so seeing this indicates a second orchestrator instance
// sharing the database.
var ErrRevisionConflict = errors.New("deployment revision conflict")

// DeploymentRegistry is the BadgerDB-backed implementation of the engine's
// Registry interface.
//
// # Thread Safety
//
// Safe for concurrent use; each operation runs in its own transaction.
type DeploymentRegistry struct {
	db *DB

	mu   sync.Mutex
	seqs map[string]*badger.Sequence
}

// NewDeploymentRegistry creates a registry on an open database.
func NewDeploymentRegistry(db *DB) *DeploymentRegistry {
	return &DeploymentRegistry{db: db, seqs: make(map[string]*badger.Sequence)}
}

// Close releases the registry's sequence leases. The database itself is
// closed by its owner.
func (r *DeploymentRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, s := range r.seqs {
		if err := s.Release(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("release sequence for %s: %w", id, err)
		}
	}
	r.seqs = make(map[string]*badger.Sequence)
	return firstErr
}

// SaveDeployment writes a deployment record, enforcing optimistic
// concurrency: the incoming Revision must match the stored one. On success
// the record's Revision is bumped, in storage and on the passed value.
func (r *DeploymentRegistry) SaveDeployment(ctx context.Context, d *datatypes.Deployment) error {
	if d.ID == "" {
		return fmt.Errorf("deployment id must not be empty")
	}
	key := []byte(deploymentPrefix + d.ID)

	return r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case err == nil:
			var stored datatypes.Deployment
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return fmt.Errorf("decode stored deployment: %w", err)
			}
			if stored.Revision != d.Revision {
				return fmt.Errorf("%w: have %d, stored %d", ErrRevisionConflict, d.Revision, stored.Revision)
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			if d.Revision != 0 {
				return fmt.Errorf("%w: have %d, record missing", ErrRevisionConflict, d.Revision)
			}
		default:
			return fmt.Errorf("read deployment: %w", err)
		}

		d.Revision++
		buf, err := json.Marshal(d)
		if err != nil {
			d.Revision--
			return fmt.Errorf("encode deployment: %w", err)
		}
		if err := txn.Set(key, buf); err != nil {
			d.Revision--
			return fmt.Errorf("write deployment: %w", err)
		}
		return nil
	})
}

// GetDeployment returns one deployment by id.
func (r *DeploymentRegistry) GetDeployment(ctx context.Context, id string) (*datatypes.Deployment, error) {
	var d datatypes.Deployment
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(deploymentPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", engine.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("read deployment: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &d)
		})
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeployments returns all deployments, newest first, optionally filtered
// by status. Empty status matches everything.
func (r *DeploymentRegistry) ListDeployments(ctx context.Context, status datatypes.DeploymentStatus) ([]*datatypes.Deployment, error) {
	var out []*datatypes.Deployment
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deploymentPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var d datatypes.Deployment
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return fmt.Errorf("decode deployment: %w", err)
			}
			if status != "" && d.Status != status {
				continue
			}
			out = append(out, &d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AppendRobotRecord appends one outcome record to the deployment's log.
// Records are never rewritten; each call gets the next sequence number.
//
// Sequence numbers come from a badger.Sequence lease rather than a
// read-modify-write of a counter key: a wave of pool workers resolving
// together would otherwise abort each other's transactions under Badger's
// conflict detection, and a blind single-key write never conflicts.
func (r *DeploymentRegistry) AppendRobotRecord(ctx context.Context, rec datatypes.RobotRecord) error {
	if rec.DeploymentID == "" || rec.RobotID == "" {
		return fmt.Errorf("robot record requires deployment id and robot id")
	}

	seq, err := r.nextSeq(rec.DeploymentID)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode robot record: %w", err)
	}

	return r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(rec.DeploymentID, seq), buf); err != nil {
			return fmt.Errorf("write robot record: %w", err)
		}
		return nil
	})
}

// nextSeq returns the next record sequence number for a deployment, opening
// the deployment's sequence lease on first use.
func (r *DeploymentRegistry) nextSeq(deploymentID string) (uint64, error) {
	r.mu.Lock()
	s, ok := r.seqs[deploymentID]
	if !ok {
		var err error
		s, err = r.db.GetSequence([]byte(seqPrefix+deploymentID), seqBandwidth)
		if err != nil {
			r.mu.Unlock()
			return 0, fmt.Errorf("open record sequence: %w", err)
		}
		r.seqs[deploymentID] = s
	}
	r.mu.Unlock()

	seq, err := s.Next()
	if err != nil {
		return 0, fmt.Errorf("next record sequence: %w", err)
	}
	return seq, nil
}

// ListRobotRecords returns a deployment's outcome log in append order.
func (r *DeploymentRegistry) ListRobotRecords(ctx context.Context, deploymentID string) ([]datatypes.RobotRecord, error) {
	var out []datatypes.RobotRecord
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix + deploymentID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()

		// Keys embed a big-endian sequence number, so Badger's lexicographic
		// iteration already yields append order.
		for it.Rewind(); it.Valid(); it.Next() {
			var rec datatypes.RobotRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode robot record: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func recordKey(deploymentID string, seq uint64) []byte {
	key := make([]byte, 0, len(recordPrefix)+len(deploymentID)+1+8)
	key = append(key, recordPrefix...)
	key = append(key, deploymentID...)
	key = append(key, ':')
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	return append(key, seqBuf[:]...)
}
