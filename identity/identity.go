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

// Package identity manages the node's long-lived Ed25519 signing keypair:
// the hex-encoded public key is the node's stable identifier across the
// overlay (the "Node ID").
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
)

// ErrKeyLength is returned when an on-disk identity file is not exactly
// ed25519.SeedSize bytes.
var ErrKeyLength = errors.New("identity: key file has the wrong length")

// keyFileMode matches the original's save(): owner read/write only.
const keyFileMode = 0o600

// NodeIdentity owns the private signing key for one node. The zero value is
// not usable; construct with Generate or LoadOrGenerate.
type NodeIdentity struct {
	mu      sync.Mutex
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// Generate creates a fresh keypair from a cryptographically secure RNG.
func Generate() (*NodeIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	id := &NodeIdentity{private: priv, public: pub}
	runtime.SetFinalizer(id, (*NodeIdentity).zeroize)
	return id, nil
}

// LoadOrGenerate reads a 32-byte seed from path if present and non-empty,
// otherwise generates a fresh identity and writes it to path with
// owner-only permissions.
func LoadOrGenerate(path string) (*NodeIdentity, error) {
	info, err := os.Stat(path)
	if err == nil && info.Size() > 0 {
		seed, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("identity: read %s: %w", path, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, ErrKeyLength
		}
		priv := ed25519.NewKeyFromSeed(seed)
		id := &NodeIdentity{private: priv, public: priv.Public().(ed25519.PublicKey)}
		runtime.SetFinalizer(id, (*NodeIdentity).zeroize)
		return id, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: stat %s: %w", path, err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}

// Save writes the 32-byte private seed to path with owner-only permissions.
func (id *NodeIdentity) Save(path string) error {
	id.mu.Lock()
	defer id.mu.Unlock()
	seed := id.private.Seed()
	if err := os.WriteFile(path, seed, keyFileMode); err != nil {
		return fmt.Errorf("identity: write %s: %w", path, err)
	}
	return os.Chmod(path, keyFileMode)
}

// NodeID returns the hex encoding of the 32-byte public key.
func (id *NodeIdentity) NodeID() string {
	return hex.EncodeToString(id.public)
}

// PublicKeyBytes returns the raw 32-byte public key.
func (id *NodeIdentity) PublicKeyBytes() []byte {
	out := make([]byte, len(id.public))
	copy(out, id.public)
	return out
}

// Sign returns the 64-byte detached signature over message.
func (id *NodeIdentity) Sign(message []byte) []byte {
	id.mu.Lock()
	defer id.mu.Unlock()
	return ed25519.Sign(id.private, message)
}

// Verify checks signature against message under pubkey. It never panics or
// returns an error; a malformed signature or key simply fails verification.
func Verify(message, signature, pubkey []byte) bool {
	if len(pubkey) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubkey), message, signature)
}

// zeroize scrubs the private key bytes. Called via runtime.SetFinalizer as
// a best-effort analogue of Rust's Drop + zeroize crate; Go gives no hard
// guarantee the finalizer runs before process exit.
func (id *NodeIdentity) zeroize() {
	id.mu.Lock()
	defer id.mu.Unlock()
	for i := range id.private {
		id.private[i] = 0
	}
}

// Zeroize scrubs the private key immediately, for callers that want a
// deterministic point of destruction instead of relying on the finalizer.
func (id *NodeIdentity) Zeroize() {
	id.zeroize()
}
