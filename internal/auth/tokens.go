// Package auth manages node credentials for the panel: minting,
// verifying and revoking the tokens nodes present during the control
// channel handshake.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kestrel.gg/kestrel/internal/brand"
	"kestrel.gg/kestrel/internal/clock"
	"kestrel.gg/kestrel/internal/protocol"
)

var (
	ErrUnknownNode  = errors.New("unknown node")
	ErrBadToken     = errors.New("token mismatch")
	ErrTokenRevoked = errors.New("token revoked")
	ErrWrongType    = errors.New("wrong credential type")
)

// NodeToken is one node's stored credential. Only the bcrypt hash is
// persisted; the plaintext exists exactly once, at mint time.
type NodeToken struct {
	NodeID    string             `json:"node_id"`
	Hash      string             `json:"hash"`
	Type      protocol.TokenType `json:"type"`
	CreatedAt time.Time          `json:"created_at"`
	LastSeen  time.Time          `json:"last_seen,omitempty"`
	Revoked   bool               `json:"revoked,omitempty"`
}

// Store manages node tokens, persisted as JSON.
type Store struct {
	path   string
	tokens map[string]*NodeToken
	mu     sync.RWMutex
}

// tokenData is the persisted shape.
type tokenData struct {
	Tokens map[string]*NodeToken `json:"tokens"`
}

// DefaultTokenPath is the default location for node credentials.
var DefaultTokenPath = filepath.Join(brand.GetStateDir(), "node_tokens.json")

// NewStore creates a token store, loading existing data when present.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = DefaultTokenPath
	}

	s := &Store{
		path:   path,
		tokens: make(map[string]*NodeToken),
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var td tokenData
	if err := json.Unmarshal(data, &td); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if td.Tokens != nil {
		s.tokens = td.Tokens
	}
	return nil
}

// saveLocked writes the store to disk atomically.
// MUST be called while holding the write lock.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(tokenData{Tokens: s.tokens}, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// Mint creates a credential for nodeID and returns the plaintext token.
// A node can hold one secret and one api_key; minting again for the same
// node and type replaces the old credential.
func (s *Store) Mint(nodeID string, tokenType protocol.TokenType) (string, error) {
	if nodeID == "" {
		return "", errors.New("node id required")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	plaintext := "kn_" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[key(nodeID, tokenType)] = &NodeToken{
		NodeID:    nodeID,
		Hash:      string(hash),
		Type:      tokenType,
		CreatedAt: clock.Now(),
	}
	if err := s.saveLocked(); err != nil {
		return "", err
	}
	return plaintext, nil
}

// Verify checks a presented token against the stored credential and
// records the node as seen.
func (s *Store) Verify(nodeID, token string, tokenType protocol.TokenType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nt, ok := s.tokens[key(nodeID, tokenType)]
	if !ok {
		// Burn comparable time so unknown nodes are not distinguishable
		// by response latency.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(token))
		return ErrUnknownNode
	}
	if nt.Revoked {
		return ErrTokenRevoked
	}
	if err := bcrypt.CompareHashAndPassword([]byte(nt.Hash), []byte(token)); err != nil {
		return ErrBadToken
	}

	nt.LastSeen = clock.Now()
	// Best effort; a failed LastSeen write must not reject the node.
	_ = s.saveLocked()
	return nil
}

// Revoke disables a credential without deleting its audit trail.
func (s *Store) Revoke(nodeID string, tokenType protocol.TokenType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nt, ok := s.tokens[key(nodeID, tokenType)]
	if !ok {
		return ErrUnknownNode
	}
	nt.Revoked = true
	return s.saveLocked()
}

// Remove deletes a credential entirely.
func (s *Store) Remove(nodeID string, tokenType protocol.TokenType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[key(nodeID, tokenType)]; !ok {
		return ErrUnknownNode
	}
	delete(s.tokens, key(nodeID, tokenType))
	return s.saveLocked()
}

// List returns all stored credentials, hashes included, for the admin
// surface. Callers must not serialize hashes to untrusted clients.
func (s *Store) List() []NodeToken {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]NodeToken, 0, len(s.tokens))
	for _, nt := range s.tokens {
		out = append(out, *nt)
	}
	return out
}

func key(nodeID string, tokenType protocol.TokenType) string {
	return nodeID + "/" + string(tokenType)
}

// dummyHash is a bcrypt hash of an unguessable throwaway value, used to
// equalize timing for unknown nodes.
var dummyHash = func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("kestrel-dummy"), bcrypt.DefaultCost)
	return h
}()
