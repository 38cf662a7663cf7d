// Package statestore persists parser read state in a bbolt file so a
// restarted parser resumes where the previous run stopped.
package statestore

import (
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"seasieve/pkg/parser"
)

const DefaultBucket = "parser_state"

type Store struct {
	db     *bbolt.DB
	bucket []byte
}

func Open(path, bucket string) (*Store, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open state db")
	}
	s := &Store{db: db, bucket: []byte(bucket)}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create state bucket")
	}
	return s, nil
}

// Load returns the state saved under key. ok is false when none exists.
func (s *Store) Load(key string) (*parser.State, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(s.bucket).Get([]byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read state")
	}
	if raw == nil {
		return nil, false, nil
	}
	st, err := parser.UnmarshalState(raw)
	if err != nil {
		return nil, true, errors.Wrapf(err, "corrupt state for %s", key)
	}
	return st, true, nil
}

func (s *Store) Save(key string, st parser.State) error {
	raw, err := st.Marshal()
	if err != nil {
		return errors.Wrap(err, "failed to encode state")
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), raw)
	})
	return errors.Wrap(err, "failed to write state")
}

func (s *Store) Delete(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
	return errors.Wrap(err, "failed to delete state")
}

// Keys lists saved state keys in byte order.
func (s *Store) Keys() ([]string, error) {
	keys := make([]string, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list state keys")
	}
	return keys, nil
}

// Callback returns a parser state callback that saves every update under key.
// Write failures go to onErr when it is set.
func (s *Store) Callback(key string, onErr func(error)) parser.StateCallback {
	return func(st parser.State, _ bool) {
		if err := s.Save(key, st); err != nil && onErr != nil {
			onErr(err)
		}
	}
}

func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "failed to close state db")
}
