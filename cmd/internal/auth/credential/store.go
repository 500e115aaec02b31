package credential

import (
	"context"
	"net/http"
	"sync"
)

// Store persists the credential of one client.
//
// Absence is reported as ok=false, never as an error. Put always stores the
// normalized credential as a single unit.
type Store interface {
	Get(ctx context.Context) (Credential, bool, error)
	Put(ctx context.Context, c Credential) error
	Clear(ctx context.Context) error
}

// Substrate produces request-bound stores.
type Substrate interface {
	Bind(w http.ResponseWriter, r *http.Request) Store
	Name() string
}

// backend is the raw persistence a substrate offers for one request.
type backend interface {
	load(ctx context.Context) (Credential, bool, error)
	save(ctx context.Context, c Credential) error
	remove(ctx context.Context) error
}

type rotatingBackend interface {
	rotate(ctx context.Context, c Credential) error
}

// boundStore caches the outcome of the last Put or Clear so later reads in the
// same request observe it without touching the backend again.
type boundStore struct {
	mu      sync.Mutex
	b       backend
	known   bool
	present bool
	cur     Credential
}

func bind(b backend) *boundStore { return &boundStore{b: b} }

func (s *boundStore) Get(ctx context.Context) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.known {
		return s.cur, s.present, nil
	}
	c, ok, err := s.b.load(ctx)
	if err != nil {
		return Credential{}, false, err
	}
	if ok {
		c = c.Normalize()
	}
	s.known, s.present, s.cur = true, ok, c
	return c, ok, nil
}

func (s *boundStore) Put(ctx context.Context, c Credential) error {
	c = c.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.b.save(ctx, c); err != nil {
		return err
	}
	s.known, s.present, s.cur = true, true, c
	return nil
}

// Rotate stores c under a fresh session id, discarding whatever id the client
// presented. Backends without session ids treat it as Put.
func (s *boundStore) Rotate(ctx context.Context, c Credential) error {
	c = c.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if r, ok := s.b.(rotatingBackend); ok {
		err = r.rotate(ctx, c)
	} else {
		err = s.b.save(ctx, c)
	}
	if err != nil {
		return err
	}
	s.known, s.present, s.cur = true, true, c
	return nil
}

func (s *boundStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.b.remove(ctx); err != nil {
		return err
	}
	s.known, s.present, s.cur = true, false, Credential{}
	return nil
}

// Reload drops the cached result and reads the backend again. Long-lived
// holders of a bound store (the session watch) use it to see writes made by
// other requests.
func (s *boundStore) Reload(ctx context.Context) (Credential, bool, error) {
	s.mu.Lock()
	s.known = false
	s.mu.Unlock()
	return s.Get(ctx)
}

type reloader interface {
	Reload(ctx context.Context) (Credential, bool, error)
}

// Reload re-reads s from its backend when it caches reads, otherwise it is Get.
func Reload(ctx context.Context, s Store) (Credential, bool, error) {
	if r, ok := s.(reloader); ok {
		return r.Reload(ctx)
	}
	return s.Get(ctx)
}

type rotator interface {
	Rotate(ctx context.Context, c Credential) error
}

// Rotate writes c under a new session identity when s supports it, otherwise it is Put.
// Sign-in uses it so an identifier planted before login never carries the new credential.
func Rotate(ctx context.Context, s Store, c Credential) error {
	if r, ok := s.(rotator); ok {
		return r.Rotate(ctx, c)
	}
	return s.Put(ctx, c)
}
