// Package tabletfakes provides trivial in-memory fakes for the tablet
// package's external collaborator interfaces, mirroring how
// froz-husain-PairDB/storage-node's tests/mocks package fakes the
// coordinator client for its own unit tests.
package tabletfakes

import (
	"context"
	"fmt"
	"sync"

	"github.com/devrev/pairdb/tablet-node/internal/tablet"
)

// FileSystem is an in-memory fake of tablet.FileSystem.
type FileSystem struct {
	mu          sync.Mutex
	metadataIDs []string
	nextBlockID int
}

// NewFileSystem creates a fake filesystem pre-seeded with the given
// tablet ids as if their metadata records already existed on disk.
func NewFileSystem(preseededTabletIDs ...string) *FileSystem {
	return &FileSystem{metadataIDs: append([]string(nil), preseededTabletIDs...)}
}

func (f *FileSystem) ListMetadataFiles() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.metadataIDs...), nil
}

func (f *FileSystem) NewBlockID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextBlockID++
	return fmt.Sprintf("block-%d", f.nextBlockID)
}

// MetadataStore is an in-memory fake of tablet.MetadataStore.
type MetadataStore struct {
	mu   sync.Mutex
	recs map[string]*tablet.Metadata
}

func NewMetadataStore() *MetadataStore {
	return &MetadataStore{recs: make(map[string]*tablet.Metadata)}
}

func (s *MetadataStore) CreateNew(meta *tablet.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recs[meta.TabletID]; exists {
		return fmt.Errorf("metadata already exists for %s", meta.TabletID)
	}
	s.recs[meta.TabletID] = meta
	return nil
}

func (s *MetadataStore) Load(tabletID string) (*tablet.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.recs[tabletID]
	if !ok {
		return nil, fmt.Errorf("no metadata for %s", tabletID)
	}
	return meta, nil
}

func (s *MetadataStore) Persist(meta *tablet.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[meta.TabletID] = meta
	return nil
}

// Preseed registers meta directly, as if it had been loaded from disk
// before the fake's owner ever called CreateNew.
func (s *MetadataStore) Preseed(meta *tablet.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[meta.TabletID] = meta
}

// Bootstrapper is a configurable fake of tablet.Bootstrapper. By default
// it succeeds instantly; FailFor marks specific tablet ids to fail.
type Bootstrapper struct {
	mu      sync.Mutex
	failing map[string]error
}

func NewBootstrapper() *Bootstrapper {
	return &Bootstrapper{failing: make(map[string]error)}
}

func (b *Bootstrapper) FailFor(tabletID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing[tabletID] = err
}

func (b *Bootstrapper) Bootstrap(ctx context.Context, meta *tablet.Metadata, clock tablet.Clock, listener tablet.StatusListener) (*tablet.BootstrapResult, error) {
	b.mu.Lock()
	err, shouldFail := b.failing[meta.TabletID]
	b.mu.Unlock()
	if shouldFail {
		return nil, err
	}
	return &tablet.BootstrapResult{Log: &Log{}, Info: tablet.BootstrapInfo{}}, nil
}

// Log is a no-op fake of tablet.Log.
type Log struct{}

func (*Log) Close() error { return nil }

// Clock is a fake of tablet.Clock.
type Clock struct{ Val int64 }

func (c *Clock) Now() int64 { return c.Val }

// Messenger is a fake of tablet.Messenger.
type Messenger struct{ Addr string }

func (m *Messenger) LocalAddress() string { return m.Addr }

// MaintenanceManager is a recording fake of tablet.MaintenanceManager.
type MaintenanceManager struct {
	mu         sync.Mutex
	Registered []string
}

func (m *MaintenanceManager) RegisterOps(tabletID string, core tablet.ReplicaCore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Registered = append(m.Registered, tabletID)
}

// ReplicaCore is a configurable fake of tablet.ReplicaCore. By default
// Init and Start both succeed; FailInit/FailStart override that.
type ReplicaCore struct {
	mu        sync.Mutex
	failInit  error
	failStart error
	role      tablet.Role
	shutdowns int
}

func NewReplicaCore() *ReplicaCore {
	return &ReplicaCore{role: tablet.RoleLeader}
}

func (c *ReplicaCore) FailInit(err error)  { c.mu.Lock(); c.failInit = err; c.mu.Unlock() }
func (c *ReplicaCore) FailStart(err error) { c.mu.Lock(); c.failStart = err; c.mu.Unlock() }

func (c *ReplicaCore) Init(clock tablet.Clock, messenger tablet.Messenger, log tablet.Log) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failInit
}

func (c *ReplicaCore) Start(info tablet.BootstrapInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failStart
}

func (c *ReplicaCore) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdowns++
}

func (c *ReplicaCore) ShutdownCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdowns
}

func (c *ReplicaCore) Role() tablet.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}
