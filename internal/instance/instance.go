// Package instance implements the Instance Coordinator: claiming a small
// integer instance_id unique across live nodes via storage.Backend's
// compare-and-set, with lease renewal and best-effort release. The claim is
// a single per-process identity lease with a check-then-CAS claim and a
// TTL/heartbeat renewal shape, built directly against storage.Backend.
package instance

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mydriatech/fragtale/internal/fragtaleerr"
	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/pkg/log"
)

const table = "instance"

var partitionKey = []byte("instance")

// Lease describes one node's claim on an instance_id, mirroring the
// instance lease attributes of the data model: instance_id, node_identity,
// expires_at.
type Lease struct {
	InstanceID   uint16
	NodeIdentity string
	ExpiresAtMs  int64
}

// Options configures a Coordinator.
type Options struct {
	Backend       storage.Backend
	MaxInstances  int
	LeaseTTL      time.Duration
	ClaimAttempts int
	NodeIdentity  string // optional override; random uuid if empty
	Logger        log.Logger
	NowFunc       func() time.Time // optional override for tests
}

// Coordinator claims and renews this process's instance_id.
type Coordinator struct {
	backend      storage.Backend
	maxInstances int
	leaseTTL     time.Duration
	attempts     int
	nodeIdentity string
	logger       log.Logger
	now          func() time.Time

	mu         sync.RWMutex
	instanceID uint16
	claimed    bool

	stopRenew chan struct{}
	renewDone chan struct{}
}

// New constructs a Coordinator. Call Start to claim an instance_id.
func New(opts Options) *Coordinator {
	nodeIdentity := opts.NodeIdentity
	if nodeIdentity == "" {
		nodeIdentity = uuid.NewString()
	}
	now := opts.NowFunc
	if now == nil {
		now = time.Now
	}
	attempts := opts.ClaimAttempts
	if attempts <= 0 {
		attempts = opts.MaxInstances
	}
	return &Coordinator{
		backend:      opts.Backend,
		maxInstances: opts.MaxInstances,
		leaseTTL:     opts.LeaseTTL,
		attempts:     attempts,
		nodeIdentity: nodeIdentity,
		logger:       opts.Logger,
		now:          now,
	}
}

func clusteringKey(id uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, id)
	return b
}

// Start claims the lowest free instance_id in [0, maxInstances), starts the
// renewal background task, and returns the claimed id. All other components
// must read InstanceID only after Start returns successfully, per the
// readiness-barrier rule of the concurrency model.
func (c *Coordinator) Start(ctx context.Context) (uint16, error) {
	if err := c.backend.CreateTable(ctx, storage.TableSchema{
		Name:              table,
		PartitionColumn:   "partition",
		ClusteringColumn:  "instance_id",
	}); err != nil {
		return 0, fmt.Errorf("instance: create table: %w", err)
	}

	attempted := 0
	for candidate := 0; candidate < c.maxInstances && attempted < c.attempts; candidate++ {
		attempted++
		id := uint16(candidate)
		ok, err := c.tryClaim(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("instance: claim candidate %d: %w", id, err)
		}
		if ok {
			c.mu.Lock()
			c.instanceID = id
			c.claimed = true
			c.mu.Unlock()
			c.stopRenew = make(chan struct{})
			c.renewDone = make(chan struct{})
			go c.renewLoop()
			if c.logger != nil {
				c.logger.Info("instance id claimed", log.Int("instance_id", int(id)), log.Str("node_identity", c.nodeIdentity))
			}
			return id, nil
		}
	}
	return 0, fragtaleerr.ErrNoInstanceIDAvailable
}

// tryClaim attempts to claim a single candidate id via compare-and-set,
// succeeding either against an absent row or one whose lease has expired.
func (c *Coordinator) tryClaim(ctx context.Context, id uint16) (bool, error) {
	key := storage.Key{Table: table, PartitionKey: partitionKey, ClusteringKey: clusteringKey(id)}
	existing, err := c.backend.Get(ctx, key)
	var expected map[string][]byte
	switch {
	case errors.Is(err, storage.ErrNotFound):
		expected = nil
	case err != nil:
		return false, err
	default:
		expiresAt := decodeExpiresAt(existing.Columns)
		if expiresAt > c.now().UnixMilli() {
			return false, nil // still leased by a live node
		}
		expected = existing.Columns
	}

	row := c.newRow(id)
	result, err := c.backend.CompareAndSet(ctx, key, expected, row)
	if errors.Is(err, storage.ErrCASMismatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !result.Quorum() {
		return false, fragtaleerr.ErrBackendInconsistent
	}
	return true, nil
}

func (c *Coordinator) newRow(id uint16) storage.Row {
	expiresAt := c.now().Add(c.leaseTTL).UnixMilli()
	return storage.Row{
		Key: storage.Key{Table: table, PartitionKey: partitionKey, ClusteringKey: clusteringKey(id)},
		Columns: map[string][]byte{
			"node_identity": []byte(c.nodeIdentity),
			"expires_at":    encodeInt64(expiresAt),
		},
	}
}

func decodeExpiresAt(columns map[string][]byte) int64 {
	b, ok := columns["expires_at"]
	if !ok || len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// InstanceID returns the claimed instance_id. Only valid after Start
// returns successfully.
func (c *Coordinator) InstanceID() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instanceID
}

// NodeIdentity returns this process's node identity uuid.
func (c *Coordinator) NodeIdentity() string { return c.nodeIdentity }

func (c *Coordinator) renewLoop() {
	defer close(c.renewDone)
	interval := c.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopRenew:
			return
		case <-ticker.C:
			c.renew()
		}
	}
}

func (c *Coordinator) renew() {
	c.mu.RLock()
	id := c.instanceID
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := storage.Key{Table: table, PartitionKey: partitionKey, ClusteringKey: clusteringKey(id)}
	current, err := c.backend.Get(ctx, key)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("instance lease renewal read failed", log.Err(err))
		}
		return
	}
	row := c.newRow(id)
	if _, err := c.backend.CompareAndSet(ctx, key, current.Columns, row); err != nil {
		if c.logger != nil {
			c.logger.Warn("instance lease renewal failed", log.Err(err))
		}
	}
}

// Stop halts lease renewal and best-effort releases the claimed instance_id.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.RLock()
	claimed := c.claimed
	id := c.instanceID
	c.mu.RUnlock()
	if !claimed {
		return nil
	}
	if c.stopRenew != nil {
		close(c.stopRenew)
		<-c.renewDone
	}
	key := storage.Key{Table: table, PartitionKey: partitionKey, ClusteringKey: clusteringKey(id)}
	_, err := c.backend.Delete(ctx, key)
	return err
}
