package integrity

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mydriatech/fragtale/internal/fragtaleerr"
	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/pkg/log"
)

const secretsTable = "secrets"

var secretsPartition = []byte("secrets")

// AlgHMACSHA256 and AlgHMACSHA3256 name the two supported MAC algorithms:
// HMAC-SHA256 from the standard library and HMAC-SHA3-256 from
// golang.org/x/crypto/sha3. A generation's seal_new uses its AlgNew; its
// seal_old uses the previous generation's key and algorithm (see Rollover),
// so with the default configuration both seals are HMAC-SHA256.
const (
	AlgHMACSHA256  = "hmac-sha256"
	AlgHMACSHA3256 = "hmac-sha3-256"
)

// Secret is one generation of dual MAC keys. KeyOld/AlgOld carry the
// previous generation's "new" key forward so a seal issued under the prior
// generation still validates during a rollover window.
type Secret struct {
	Generation  uint64 `json:"generation"`
	KeyNew      []byte `json:"key_new"`
	AlgNew      string `json:"alg_new"`
	KeyOld      []byte `json:"key_old"`
	AlgOld      string `json:"alg_old"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// SecretStore persists and rotates the dual MAC key generations shared by
// every topic's integrity engine, grounded on
// original_source/fragtale-core/src/mb/integrity/common/integrity_protection.rs's
// current/previous secret model.
type SecretStore struct {
	backend storage.Backend
	algNew  string
	algOld  string
	logger  log.Logger
	now     func() time.Time

	mu      sync.RWMutex
	current Secret
	loaded  bool
}

// NewSecretStore returns a SecretStore using algNew for any secret
// generation it mints itself (existing generations keep whatever algorithm
// pair they were minted with). algOld is kept but not used when minting: a
// minted generation's old key and algorithm are the previous generation's
// KeyNew and AlgNew, and generation 0 has none.
func NewSecretStore(backend storage.Backend, algNew, algOld string, logger log.Logger) *SecretStore {
	return &SecretStore{backend: backend, algNew: algNew, algOld: algOld, logger: logger, now: time.Now}
}

// Start ensures the secrets table exists and loads (or mints) the current
// generation.
func (s *SecretStore) Start(ctx context.Context) error {
	if err := s.backend.CreateTable(ctx, storage.TableSchema{
		Name:              secretsTable,
		PartitionColumn:   "partition",
		ClusteringColumn:  "generation",
	}); err != nil {
		return fmt.Errorf("integrity: create secrets table: %w", err)
	}
	cur, err := s.latest(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		cur, err = s.mintGeneration(ctx, 0, nil, "")
		if err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.current = cur
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// Current returns the active secret generation.
func (s *SecretStore) Current() Secret {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Rollover mints the next secret generation, carrying the current "new" key
// forward as the next generation's "old" key so seals issued moments before
// the rollover still validate. It logs a rollover_permitted line as part of
// an operator-visible rollover protocol.
func (s *SecretStore) Rollover(ctx context.Context) (Secret, error) {
	cur := s.Current()
	next, err := s.mintGeneration(ctx, cur.Generation+1, cur.KeyNew, cur.AlgNew)
	if err != nil {
		return Secret{}, err
	}
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Info("rollover_permitted",
			log.Int("generation", int(next.Generation)),
			log.Str("alg_new", next.AlgNew),
			log.Str("alg_old", next.AlgOld),
		)
	}
	return next, nil
}

func (s *SecretStore) mintGeneration(ctx context.Context, generation uint64, keyOld []byte, algOld string) (Secret, error) {
	keyNew := make([]byte, 32)
	if _, err := rand.Read(keyNew); err != nil {
		return Secret{}, fmt.Errorf("integrity: generate secret: %w", err)
	}
	sec := Secret{
		Generation:  generation,
		KeyNew:      keyNew,
		AlgNew:      s.algNew,
		KeyOld:      keyOld,
		AlgOld:      algOld,
		CreatedAtMs: s.now().UnixMilli(),
	}
	row, err := encodeSecret(sec)
	if err != nil {
		return Secret{}, err
	}
	key := secretKey(generation)
	result, err := s.backend.CompareAndSet(ctx, key, nil, row)
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			existing, gerr := s.backend.Get(ctx, key)
			if gerr != nil {
				return Secret{}, gerr
			}
			return decodeSecret(existing.Columns)
		}
		return Secret{}, fmt.Errorf("integrity: mint secret generation %d: %w", generation, err)
	}
	if !result.Quorum() {
		return Secret{}, fragtaleerr.ErrBackendInconsistent
	}
	return sec, nil
}

// latest scans the secrets partition and returns the highest generation.
func (s *SecretStore) latest(ctx context.Context) (Secret, error) {
	cursor, err := s.backend.Scan(ctx, secretsTable, storage.ScanRange{PartitionKey: secretsPartition})
	if err != nil {
		return Secret{}, err
	}
	defer cursor.Close()
	var best Secret
	found := false
	for cursor.Next(ctx) {
		sec, derr := decodeSecret(cursor.Row().Columns)
		if derr != nil {
			continue
		}
		if !found || sec.Generation > best.Generation {
			best = sec
			found = true
		}
	}
	if err := cursor.Err(); err != nil {
		return Secret{}, err
	}
	if !found {
		return Secret{}, storage.ErrNotFound
	}
	return best, nil
}

func secretKey(generation uint64) storage.Key {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, generation)
	return storage.Key{Table: secretsTable, PartitionKey: secretsPartition, ClusteringKey: b}
}

func encodeSecret(s Secret) (storage.Row, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return storage.Row{}, err
	}
	return storage.Row{Key: secretKey(s.Generation), Columns: map[string][]byte{"secret": data}}, nil
}

func decodeSecret(columns map[string][]byte) (Secret, error) {
	data, ok := columns["secret"]
	if !ok {
		return Secret{}, fmt.Errorf("integrity: secret row missing secret column")
	}
	var s Secret
	if err := json.Unmarshal(data, &s); err != nil {
		return Secret{}, err
	}
	return s, nil
}
