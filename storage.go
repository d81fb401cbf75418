package objstore

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
)

// Storage materializes persistent objects from a Backend and keeps the object
// identity cache in front of it.
//
// Get always consults the cache first, so two look-ups of the same OID return
// the same instance for as long as anything references it. Modified objects
// are written back by Commit. Storage methods are safe for concurrent use; the
// objects they return are not synchronized.
type Storage struct {
	backend Backend
	cache   *objectCache
	cfg     Config
	log     *slog.Logger

	// mu guards the type registry.
	mu    sync.RWMutex
	types map[string]func() Object
	names map[reflect.Type]string

	// loadMu serializes in-place reloads of cached objects.
	loadMu sync.Mutex

	closed atomic.Bool
}

// Built-in type names.
const (
	rtreeTypeName     = "objstore.RTree"
	rtreePageTypeName = "objstore.rtreePage"
)

func newStorage(opts []Option) (*Storage, error) {
	s := &Storage{
		cfg:   DefaultConfig(),
		log:   slog.New(slog.DiscardHandler),
		types: make(map[string]func() Object),
		names: make(map[reflect.Type]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cache, err := newObjectCache(s.cfg.CacheCapacity, s.cfg.PinLimit, s.log.With("component", "cache"))
	if err != nil {
		return nil, err
	}
	s.cache = cache

	if err := s.Register(rtreeTypeName, func() Object { return new(RTree) }); err != nil {
		return nil, err
	}
	if err := s.Register(rtreePageTypeName, func() Object { return new(rtreePage) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Open returns a Storage over b. The Storage owns b and closes it on Close.
func Open(b Backend, opts ...Option) (*Storage, error) {
	s, err := newStorage(opts)
	if err != nil {
		return nil, err
	}
	s.backend = b
	return s, nil
}

// OpenMemory returns a Storage over a fresh in-memory backend.
func OpenMemory(opts ...Option) (*Storage, error) {
	return Open(NewMemoryBackend(), opts...)
}

// OpenFile returns a Storage over the snapshot file at path, creating it on
// the first Commit if it does not exist.
func OpenFile(path string, opts ...Option) (*Storage, error) {
	s, err := newStorage(opts)
	if err != nil {
		return nil, err
	}
	b, err := NewFileBackend(path, s.cfg.ImageCacheSize, s.cfg.VerifyCRC)
	if err != nil {
		return nil, err
	}
	s.backend = b
	return s, nil
}

// Config returns the configuration in effect.
func (s *Storage) Config() Config { return s.cfg }

// Register associates name with a factory for one concrete Object type. The
// name is written into every stored image of that type, so it must stay
// stable across program versions.
func (s *Storage) Register(name string, factory func() Object) error {
	if name == "" || factory == nil {
		return errors.New("register: empty name or nil factory")
	}
	typ := reflect.TypeOf(factory())

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.names[typ]; ok && prev != name {
		return fmt.Errorf("register %s: type %v already registered as %s", name, typ, prev)
	}
	if _, ok := s.types[name]; ok && s.names[typ] != name {
		return fmt.Errorf("register %s: name already in use", name)
	}
	s.types[name] = factory
	s.names[typ] = name
	return nil
}

func (s *Storage) typeName(obj Object) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[reflect.TypeOf(obj)]
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrTypeNotRegistered, obj)
	}
	return name, nil
}

func (s *Storage) factory(name string) (func() Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTypeNotRegistered, name)
	}
	return f, nil
}

// Get returns the object identified by oid, materializing it from the backend
// when the cache has no live instance.
func (s *Storage) Get(oid OID) (Object, error) {
	if s.closed.Load() {
		return nil, ErrStorageClosed
	}
	if oid == 0 {
		return nil, fmt.Errorf("get %v: %w", oid, ErrObjectNotFound)
	}
	if obj := s.cache.get(oid); obj != nil {
		if err := s.ensureLoaded(obj); err != nil {
			return nil, err
		}
		return obj, nil
	}

	img, err := s.backend.Read(oid)
	if err != nil {
		return nil, err
	}
	name, payload, err := decodeImage(img)
	if err != nil {
		return nil, fmt.Errorf("get %v: %w", oid, err)
	}
	factory, err := s.factory(name)
	if err != nil {
		return nil, fmt.Errorf("get %v: %w", oid, err)
	}
	obj := factory()
	p := obj.base()
	p.attach(s, oid, obj)
	if err := obj.UnmarshalBinary(payload); err != nil {
		return nil, fmt.Errorf("get %v: decode %s: %w", oid, name, err)
	}
	p.state.Store(stateLoaded)
	return s.cache.put(oid, obj), nil
}

// ensureLoaded reloads obj if it was invalidated. Concurrent callers wait for
// a single reload.
func (s *Storage) ensureLoaded(obj Object) error {
	if obj.base().IsLoaded() {
		return nil
	}
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if obj.base().IsLoaded() {
		return nil
	}
	return s.loadLocked(obj)
}

// load refreshes obj in place from its stored image.
func (s *Storage) load(obj Object) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.loadLocked(obj)
}

func (s *Storage) loadLocked(obj Object) error {
	p := obj.base()
	img, err := s.backend.Read(p.oid)
	if err != nil {
		return err
	}
	name, payload, err := decodeImage(img)
	if err != nil {
		return fmt.Errorf("load %v: %w", p.oid, err)
	}
	if want, err := s.typeName(obj); err != nil {
		return err
	} else if want != name {
		return fmt.Errorf("load %v: %w: stored as %s, object is %s", p.oid, ErrCorruptObject, name, want)
	}
	if err := obj.UnmarshalBinary(payload); err != nil {
		return fmt.Errorf("load %v: decode %s: %w", p.oid, name, err)
	}
	p.state.Or(stateLoaded)
	return nil
}

// MakePersistent assigns an OID to obj, registers it with the cache and
// queues it for the next Commit. It is a no-op for an object that is already
// persistent in s.
func (s *Storage) MakePersistent(obj Object) (OID, error) {
	if s.closed.Load() {
		return 0, ErrStorageClosed
	}
	p := obj.base()
	if p.oid != 0 {
		if p.store != s {
			return 0, fmt.Errorf("make persistent %v: %w", p.oid, ErrForeignObject)
		}
		return p.oid, nil
	}
	if _, err := s.typeName(obj); err != nil {
		return 0, err
	}
	oid, err := s.backend.AllocateOID()
	if err != nil {
		return 0, fmt.Errorf("allocate oid: %w", err)
	}
	p.attach(s, oid, obj)
	p.state.Store(stateLoaded)
	s.cache.put(oid, obj)
	p.Modify()
	return oid, nil
}

// Store writes obj's current image to the backend and takes it off the dirty
// list. The write becomes durable with the next Commit. When the write fails
// the object stays queued for the next Commit.
func (s *Storage) Store(obj Object) error {
	if err := s.store(obj); err != nil {
		if p := obj.base(); p.store == s && p.oid != 0 {
			s.cache.requeue(obj, false)
		}
		return err
	}
	return nil
}

// store takes obj off the dirty list before encoding it, so that a Modify
// made while the image is built queues the object again.
func (s *Storage) store(obj Object) error {
	p := obj.base()
	if p.store != s || p.oid == 0 {
		return fmt.Errorf("store %v: %w", p.oid, ErrNotPersistent)
	}
	name, err := s.typeName(obj)
	if err != nil {
		return err
	}
	p.state.And(^stateDirty)
	s.cache.clearDirty(obj)

	payload, err := obj.MarshalBinary()
	if err != nil {
		return fmt.Errorf("store %v: encode %s: %w", p.oid, name, err)
	}
	if err := s.backend.Write(p.oid, encodeImage(name, payload)); err != nil {
		return fmt.Errorf("store %v: %w", p.oid, err)
	}
	return nil
}

// Deallocate removes obj from the store permanently. The in-memory instance
// becomes transient again.
func (s *Storage) Deallocate(obj Object) error {
	p := obj.base()
	if p.store != s || p.oid == 0 {
		return fmt.Errorf("deallocate %v: %w", p.oid, ErrNotPersistent)
	}
	if err := s.backend.Free(p.oid); err != nil {
		return fmt.Errorf("deallocate %v: %w", p.oid, err)
	}
	s.cache.remove(p.oid)
	p.oid = 0
	p.state.Store(stateDeleted)
	return nil
}

// Commit flushes every modified object and makes the backend durable.
func (s *Storage) Commit() error {
	if s.closed.Load() {
		return ErrStorageClosed
	}
	stored, err := s.cache.flush(s.store)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if err := s.backend.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.log.Debug("committed", "stored", stored)
	return nil
}

// Rollback discards every change since the last Commit. Cached objects are
// reloaded from their committed images; objects that were never committed
// become unreachable through the store.
func (s *Storage) Rollback() error {
	if s.closed.Load() {
		return ErrStorageClosed
	}
	if err := s.backend.Discard(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	s.cache.reload(s.load)
	return nil
}

// SetRoot records obj as the store's root object, making it persistent if
// needed. The root is how a program finds its data again after reopening.
func (s *Storage) SetRoot(obj Object) error {
	oid, err := s.MakePersistent(obj)
	if err != nil {
		return err
	}
	return s.backend.SetRoot(oid)
}

// Root returns the root object, or nil when none was set.
func (s *Storage) Root() (Object, error) {
	oid := s.backend.Root()
	if oid == 0 {
		return nil, nil
	}
	return s.Get(oid)
}

// CacheSize returns the number of entries tracked by the object cache.
func (s *Storage) CacheSize() int { return s.cache.size() }

// Close commits outstanding changes, invalidates every cached object and
// closes the backend. Calling Close more than once is safe.
func (s *Storage) Close() error {
	if s.closed.Load() {
		return nil
	}
	commitErr := s.Commit()
	s.closed.Store(true)
	s.cache.invalidate()
	return errors.Join(commitErr, s.backend.Close())
}
