package keychain

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Store persists the full registry contents as an ordered descriptor list.
type Store interface {
	Read(ctx context.Context) ([]Descriptor, error)
	Write(ctx context.Context, keys []Descriptor) error
}

// snapshot is an immutable view of the registry. A published snapshot and the
// records it points to are never modified.
type snapshot struct {
	records map[Fingerprint]*Record
	order   []Fingerprint
	// hmac lists SchemeHMAC records in registry order.
	hmac []*Record
}

func newSnapshot() *snapshot {
	return &snapshot{records: make(map[Fingerprint]*Record)}
}

func (s *snapshot) clone() *snapshot {
	return &snapshot{
		records: maps.Clone(s.records),
		order:   slices.Clone(s.order),
	}
}

// put inserts rec, keeping the position of a record it replaces.
func (s *snapshot) put(rec *Record) {
	if _, ok := s.records[rec.Fingerprint]; !ok {
		s.order = append(s.order, rec.Fingerprint)
	}
	s.records[rec.Fingerprint] = rec
}

func (s *snapshot) delete(fp Fingerprint) bool {
	if _, ok := s.records[fp]; !ok {
		return false
	}
	delete(s.records, fp)
	s.order = slices.DeleteFunc(s.order, func(o Fingerprint) bool { return o == fp })
	return true
}

// index rebuilds derived lookup tables. Must be called before publishing.
func (s *snapshot) index() *snapshot {
	s.hmac = s.hmac[:0]
	for _, fp := range s.order {
		if rec := s.records[fp]; rec.Scheme == SchemeHMAC {
			s.hmac = append(s.hmac, rec)
		}
	}
	return s
}

func (s *snapshot) descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(s.order))
	for _, fp := range s.order {
		out = append(out, s.records[fp].Descriptor())
	}
	return out
}

// Registry maps fingerprints to key records and persists its whole contents
// to a Store after every effective mutation.
//
// Readers work lock-free against the last published snapshot. Mutations are
// serialized and publish their result only once the store write succeeded,
// so a failed persist leaves the registry unchanged.
type Registry struct {
	store       Store
	lg          *zap.Logger
	saveTimeout time.Duration

	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(lg *zap.Logger) Option {
	return func(r *Registry) { r.lg = lg }
}

// WithSaveTimeout bounds every store read and write.
func WithSaveTimeout(d time.Duration) Option {
	return func(r *Registry) { r.saveTimeout = d }
}

// NewRegistry returns an empty Registry backed by store. Call Load to
// populate it from the store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:       store,
		lg:          zap.NewNop(),
		saveTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	r.current.Store(newSnapshot())
	return r
}

func (r *Registry) snapshot() *snapshot {
	return r.current.Load()
}

// Load replaces the registry contents with the store snapshot. A store that
// cannot be read or holds invalid data yields an empty registry; the failure
// is logged, never returned.
func (r *Registry) Load(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := r.read(ctx)
	if err != nil {
		r.lg.Warn("Keychain snapshot unavailable, starting empty", zap.Error(err))
		next = newSnapshot()
	}
	r.current.Store(next.index())
	r.lg.Info("Keychain loaded", zap.Int("keys", len(next.order)))
}

// Reload is Load for callers that must not continue on a bad snapshot: a
// failure is returned and the current contents stay in place.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := r.read(ctx)
	if err != nil {
		return err
	}
	r.current.Store(next.index())
	return nil
}

func (r *Registry) read(ctx context.Context) (*snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.saveTimeout)
	defer cancel()

	keys, err := r.store.Read(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot")
	}
	next := newSnapshot()
	for i, d := range keys {
		rec, err := newRecord(d)
		if err != nil {
			return nil, errors.Wrapf(err, "key %d", i)
		}
		next.put(rec)
	}
	return next, nil
}

// Save writes the full registry contents to the store.
func (r *Registry) Save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.persist(ctx, r.snapshot())
}

func (r *Registry) persist(ctx context.Context, s *snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.saveTimeout)
	defer cancel()

	if err := r.store.Write(ctx, s.descriptors()); err != nil {
		return errors.Wrap(err, "persist registry")
	}
	return nil
}

// commit persists next and publishes it. Callers hold r.mu.
func (r *Registry) commit(ctx context.Context, next *snapshot) error {
	if err := r.persist(ctx, next); err != nil {
		return err
	}
	r.current.Store(next.index())
	return nil
}

// Add registers a key, replacing any record with the same fingerprint along
// with its permission set.
func (r *Registry) Add(ctx context.Context, d Descriptor) (Fingerprint, error) {
	rec, err := newRecord(d)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.snapshot().clone()
	next.put(rec)
	if err := r.commit(ctx, next); err != nil {
		return "", err
	}
	r.lg.Debug("Key added",
		zap.Stringer("fingerprint", rec.Fingerprint),
		zap.Strings("permissions", rec.Permissions),
	)
	return rec.Fingerprint, nil
}

// Remove unregisters the key. Removing an unknown key is a no-op.
func (r *Registry) Remove(ctx context.Context, fp Fingerprint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.snapshot().clone()
	if !next.delete(fp) {
		return nil
	}
	if err := r.commit(ctx, next); err != nil {
		return err
	}
	r.lg.Debug("Key removed", zap.Stringer("fingerprint", fp))
	return nil
}

// AddPermissions grants perms to the key. Unknown keys, empty perms and
// permissions already held are ignored; the registry is persisted only when
// at least one permission was new.
func (r *Registry) AddPermissions(ctx context.Context, fp Fingerprint, perms []string) error {
	if len(perms) == 0 {
		return nil
	}
	return r.update(ctx, fp, func(rec *Record) bool { return rec.grant(perms) })
}

// RemovePermissions revokes perms from the key. The registry is persisted
// only when at least one permission was actually held.
func (r *Registry) RemovePermissions(ctx context.Context, fp Fingerprint, perms []string) error {
	return r.update(ctx, fp, func(rec *Record) bool { return rec.revoke(perms) })
}

func (r *Registry) update(ctx context.Context, fp Fingerprint, apply func(*Record) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot()
	rec, ok := cur.records[fp]
	if !ok {
		return nil
	}
	updated := rec.clone()
	if !apply(updated) {
		return nil
	}

	next := cur.clone()
	next.put(updated)
	if err := r.commit(ctx, next); err != nil {
		return err
	}
	r.lg.Debug("Key permissions updated",
		zap.Stringer("fingerprint", fp),
		zap.Strings("permissions", updated.Permissions),
	)
	return nil
}

// Get returns a copy of the record registered under fp.
func (r *Registry) Get(fp Fingerprint) (Record, bool) {
	rec, ok := r.snapshot().records[fp]
	if !ok {
		return Record{}, false
	}
	return *rec.clone(), true
}

// List returns copies of all records in registry order.
func (r *Registry) List() []Record {
	s := r.snapshot()
	out := make([]Record, 0, len(s.order))
	for _, fp := range s.order {
		out = append(out, *s.records[fp].clone())
	}
	return out
}

// Len returns the number of registered keys.
func (r *Registry) Len() int {
	return len(r.snapshot().order)
}
