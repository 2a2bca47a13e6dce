/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package pfregistry keeps a small embedded catalog of the protected-file
// containers an operator has created or opened through pfsctl: path, bound
// identity, logical (plaintext) size and timestamps. It never stores a KDK or any
// plaintext, so losing the registry costs nothing but convenience. The
// catalog itself is a single bbolt database, following the same
// bucket-per-kind, JSON-marshalled-record shape as the teacher's
// pkg/store.Database.
package pfregistry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/sgxpf/protectedfs/pkg/errdefs"
	"github.com/sgxpf/protectedfs/pkg/slices"
)

// databaseFileName is the bbolt file pfsctl stores under its state
// directory.
const databaseFileName = "registry.db"

var containersBucket = []byte("containers")

// Record describes one registered container.
type Record struct {
	// Path is the filesystem path of the container's main file.
	Path string `json:"path"`
	// BoundPath is the logical identity baked into the container's
	// metadata block; Open must be called with this value.
	BoundPath string `json:"bound_path"`
	// SizeBytes is the container's logical (plaintext) size as of the
	// last registry update.
	SizeBytes uint64 `json:"size_bytes"`
	// CreatedAt is when this container was first registered.
	CreatedAt time.Time `json:"created_at"`
	// LastOpenedAt is when Touch was last called for this record.
	LastOpenedAt time.Time `json:"last_opened_at"`
}

// Registry is a bbolt-backed catalog, safe for concurrent use (bbolt itself
// serializes transactions).
type Registry struct {
	db *bolt.DB
}

// Open opens or creates the registry database under dir.
func Open(dir string) (*Registry, error) {
	if err := ensureDirectory(dir); err != nil {
		return nil, err
	}
	f := filepath.Join(dir, databaseFileName)

	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second * 4})
	if err != nil {
		return nil, errors.Wrapf(err, "pfregistry: open %s", f)
	}
	r := &Registry{db: db}
	if err := r.init(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func ensureDirectory(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0700)
	}
	return nil
}

func (r *Registry) init() error {
	return r.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(containersBucket)
		return err
	})
}

// Close releases the underlying database file.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Register adds a new record for path, failing if one already exists.
func (r *Registry) Register(path, boundPath string, sizeBytes uint64, now time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(containersBucket)
		if bucket.Get([]byte(path)) != nil {
			return errors.Wrapf(errdefs.ErrAlreadyExists, "container %q", path)
		}
		rec := Record{Path: path, BoundPath: boundPath, SizeBytes: sizeBytes, CreatedAt: now, LastOpenedAt: now}
		return putRecord(bucket, rec)
	})
}

// Touch updates sizeBytes and LastOpenedAt for an already-registered path,
// or registers it fresh with CreatedAt == now if it is not yet known (a
// container opened directly through pkg/pf without ever going through
// pfsctl create).
func (r *Registry) Touch(path, boundPath string, sizeBytes uint64, now time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(containersBucket)
		var rec Record
		if err := getRecord(bucket, path, &rec); err != nil {
			if !errdefs.IsNotFound(err) {
				return err
			}
			rec = Record{Path: path, BoundPath: boundPath, CreatedAt: now}
		}
		rec.SizeBytes = sizeBytes
		rec.LastOpenedAt = now
		return putRecord(bucket, rec)
	})
}

// Get returns the record for path.
func (r *Registry) Get(path string) (Record, error) {
	var rec Record
	err := r.db.View(func(tx *bolt.Tx) error {
		return getRecord(tx.Bucket(containersBucket), path, &rec)
	})
	return rec, err
}

// List returns every registered record, in no particular order.
func (r *Registry) List() ([]Record, error) {
	var records []Record
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(containersBucket).ForEach(func(_, value []byte) error {
			var rec Record
			if err := json.Unmarshal(value, &rec); err != nil {
				return errors.Wrap(err, "pfregistry: unmarshal record")
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// Forget removes path's record, if any.
func (r *Registry) Forget(path string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(containersBucket).Delete([]byte(path))
	})
}

// ForgetMany removes every path in paths in one transaction, rejecting the
// batch outright if it names the same path twice: that is almost certainly
// a caller bug (a shell glob expanded the same file through two symlinks,
// say) rather than an intentional double-forget.
func (r *Registry) ForgetMany(paths []string) error {
	if dup, ok := slices.FindDuplicate(paths); ok {
		return errors.Errorf("pfregistry: path %q listed more than once", dup)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(containersBucket)
		for _, p := range paths {
			if err := bucket.Delete([]byte(p)); err != nil {
				return errors.Wrapf(err, "pfregistry: forget %s", p)
			}
		}
		return nil
	})
}

func putRecord(bucket *bolt.Bucket, rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "pfregistry: marshal record")
	}
	return bucket.Put([]byte(rec.Path), value)
}

func getRecord(bucket *bolt.Bucket, path string, rec *Record) error {
	value := bucket.Get([]byte(path))
	if value == nil {
		return errors.Wrapf(errdefs.ErrNotFound, "container %q", path)
	}
	return errors.Wrap(json.Unmarshal(value, rec), "pfregistry: unmarshal record")
}
