// Package merk implements an authenticated key/value store: a balanced
// binary search tree whose every node carries a cryptographic hash, making
// the root hash a compact commitment to the entire dataset. Proofs of
// inclusion (and absence) for key sets and key ranges can be generated from
// the store and verified against the root hash alone.
package merk

import (
	"context"
	"fmt"
	"sync"

	"cosmossdk.io/log"
	"github.com/alitto/pond/v2"

	"github.com/turbofish-org/merk/db"
)

// Options configure a Merk store.
type Options struct {
	// Logger receives structured store lifecycle and commit events.
	Logger log.Logger

	// ParallelDepth is the tree depth down to which batch apply fans the
	// left/right recursion out onto a worker pool. 0 disables parallelism.
	ParallelDepth int

	// EvictDepth prunes the in-memory materialization below this depth after
	// each commit. 0 keeps every loaded node resident.
	EvictDepth int
}

// Option mutates Options.
type Option func(*Options)

func WithLogger(logger log.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

func WithParallelDepth(depth int) Option {
	return func(o *Options) { o.ParallelDepth = depth }
}

func WithEvictDepth(depth int) Option {
	return func(o *Options) { o.EvictDepth = depth }
}

// Merk is a handle to an authenticated key/value store over a backing
// database. Mutators are serialized by a write lock; readers and proof
// generators work from backing-store snapshots and never block writers.
type Merk struct {
	store  db.DB
	logger log.Logger
	opts   Options
	pool   pond.ResultPool[*applyResult]

	mtx  sync.RWMutex
	root *Node // nil for an empty tree
}

// Open loads a store over the given backing database, reading the persisted
// root reference if one exists.
func Open(store db.DB, options ...Option) (*Merk, error) {
	opts := Options{
		Logger:        log.NewNopLogger(),
		ParallelDepth: 2,
	}
	for _, option := range options {
		option(&opts)
	}

	m := &Merk{
		store:  store,
		logger: opts.Logger,
		opts:   opts,
	}
	if opts.ParallelDepth > 0 {
		// every submitted task may block on its own subtasks, so the pool
		// must fit a full fan-out
		m.pool = pond.NewResultPool[*applyResult](1 << uint(opts.ParallelDepth))
	}

	root, err := loadRoot(store)
	if err != nil {
		return nil, err
	}
	m.root = root

	if root != nil {
		m.logger.Info("opened merk store", "root_key", string(root.key))
	} else {
		m.logger.Info("opened empty merk store")
	}
	return m, nil
}

func loadRoot(r db.Reader) (*Node, error) {
	ref, err := r.Get(rootMetaKey)
	if err != nil {
		return nil, storeErr("get root", err)
	}
	if ref == nil {
		return nil, nil
	}
	return nodeStore{r: r}.fetchNode(ref)
}

// Close shuts the worker pool down and closes the backing store.
func (m *Merk) Close() error {
	if m.pool != nil {
		m.pool.StopAndWait()
	}
	m.logger.Info("closing merk store")
	if err := m.store.Close(); err != nil {
		return storeErr("close", err)
	}
	return nil
}

// RootHash returns the 32-byte root commitment, or nil for an empty tree.
func (m *Merk) RootHash() []byte {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	if m.root == nil {
		return nil
	}
	hash := m.root.hash
	return hash[:]
}

// Get returns the value stored under key. Key-addressed nodes make this a
// single backing-store read against a snapshot, with no tree descent.
func (m *Merk) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, ErrNotFound
	}

	snap, err := m.store.Snapshot()
	if err != nil {
		return nil, storeErr("snapshot", err)
	}
	defer snap.Release()

	node, err := nodeStore{r: snap}.getNode(key)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, ErrNotFound
	}
	return node.value, nil
}

// Put writes a single key/value pair. It is a convenience wrapper over a
// one-entry batch.
func (m *Merk) Put(ctx context.Context, key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", ErrInvalidBatch)
	}
	return m.applyCommit(ctx, Batch{{Key: key, Op: Put(value)}})
}

// Delete removes a single key, returning ErrNotFound if it is absent.
func (m *Merk) Delete(ctx context.Context, key []byte) error {
	if len(key) == 0 {
		return ErrNotFound
	}
	return m.applyCommit(ctx, Batch{{Key: key, Op: Delete}})
}

// Apply atomically applies a batch of puts and deletes. The batch may arrive
// in any order; it is sorted and validated, rejecting duplicate and empty
// keys with ErrInvalidBatch. For sorted, unique input ApplyUnchecked skips
// the validation.
func (m *Merk) Apply(ctx context.Context, batch Batch) error {
	sorted, err := sortAndValidate(batch)
	if err != nil {
		return err
	}
	return m.applyCommit(ctx, sorted)
}

// ApplyUnchecked applies a batch that the caller guarantees is sorted
// ascending by key and unique. Behavior is undefined otherwise.
func (m *Merk) ApplyUnchecked(ctx context.Context, batch Batch) error {
	return m.applyCommit(ctx, batch)
}

func (m *Merk) applyCommit(ctx context.Context, batch Batch) error {
	if len(batch) == 0 {
		return nil
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	ac := &applyCtx{
		ctx:           ctx,
		f:             nodeStore{r: m.store},
		pool:          m.pool,
		parallelDepth: m.opts.ParallelDepth,
	}

	newRoot, deleted, err := applyTo(ac, m.root, batch, 0)
	if err != nil {
		// in-memory nodes may be partially mutated; rebuild from the last
		// committed state
		m.reloadRoot()
		return err
	}

	tx := newWriteTx(m.store)
	for _, key := range deleted {
		if err := tx.deleteNode(key); err != nil {
			tx.rollback()
			m.reloadRoot()
			return err
		}
	}

	if newRoot != nil {
		if _, err := commitTree(nodeStore{r: tx}, tx, newRoot, nil); err != nil {
			tx.rollback()
			m.reloadRoot()
			return err
		}
		if err := tx.setRoot(newRoot.key); err != nil {
			tx.rollback()
			m.reloadRoot()
			return err
		}
	} else if err := tx.deleteRoot(); err != nil {
		tx.rollback()
		m.reloadRoot()
		return err
	}

	if err := tx.commit(); err != nil {
		m.reloadRoot()
		return err
	}

	m.root = newRoot
	if m.opts.EvictDepth > 0 {
		evictBelow(m.root, 0, m.opts.EvictDepth)
	}

	rootHash := []byte(nil)
	if m.root != nil {
		rootHash = append(rootHash, m.root.hash[:]...)
	}
	m.logger.Debug("committed batch",
		"ops", len(batch),
		"deletes", len(deleted),
		"root", fmt.Sprintf("%X", rootHash),
	)
	return nil
}

func (m *Merk) reloadRoot() {
	root, err := loadRoot(m.store)
	if err != nil {
		m.logger.Error("failed to reload root after aborted mutation", "err", err)
		m.root = nil
		return
	}
	m.root = root
}

// Checkpoint copies the store's current contents into target through a
// read-consistent snapshot. The copy opens as an identical store.
func (m *Merk) Checkpoint(target db.DB) error {
	snap, err := m.store.Snapshot()
	if err != nil {
		return storeErr("snapshot", err)
	}
	defer snap.Release()

	itr, err := snap.Iterator(nil, nil)
	if err != nil {
		return storeErr("iterator", err)
	}
	defer itr.Close()

	batch := target.NewBatch()
	defer batch.Close()
	for ; itr.Valid(); itr.Next() {
		if err := batch.Set(itr.Key(), itr.Value()); err != nil {
			return storeErr("checkpoint set", err)
		}
	}
	if err := itr.Error(); err != nil {
		return storeErr("checkpoint iterate", err)
	}
	if err := batch.Write(); err != nil {
		return storeErr("checkpoint write", err)
	}
	return nil
}
