// BSD 3-Clause License
//
// Copyright (c) 2020, Sperax
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package store persists chat history to an embedded single-file database,
// the same role the original fills with a sled tree named "messages".
package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sentineld/sentinel/protocol"
)

var messagesBucket = []byte("messages")

// Store wraps a single bbolt database file holding the "messages" bucket.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the database file at path and ensures
// the messages bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// PersistMessage stores env keyed by "{timestamp}:{sender}", matching the
// original's tree.insert(format!("{}:{}", msg.timestamp, msg.sender), ...).
// The key is a plain decimal string, not zero-padded, so byte-order
// iteration does not coincide with numeric timestamp order once the
// timestamp's digit count changes — this quirk is carried over from the
// original rather than silently corrected.
func (s *Store) PersistMessage(env protocol.Envelope) error {
	encoded, err := env.MarshalBinary()
	if err != nil {
		return fmt.Errorf("store: encode envelope: %w", err)
	}
	key := fmt.Sprintf("%d:%s", env.Timestamp, env.Sender)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		return b.Put([]byte(key), encoded)
	})
}

// History returns up to n envelopes in reverse byte order of their keys
// (largest key first, not necessarily the most recently inserted),
// mirroring tree.iter().values().rev().take(n).
func (s *Store) History(n int) ([]protocol.Envelope, error) {
	var out []protocol.Envelope

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		c := b.Cursor()

		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			env, err := protocol.UnmarshalEnvelope(v)
			if err != nil {
				continue
			}
			out = append(out, env)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: read history: %w", err)
	}
	return out, nil
}
