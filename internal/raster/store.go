package raster

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"nbc-viewer/internal/image"
	"nbc-viewer/internal/metrics"
)

// Overlay is the reserved raster averaging all four bands.
const (
	OverlayName = "Overlay"
	OverlayExpr = "R1/4 + R2/4 + R3/4 + R4/4"
)

// ErrNotFound is returned for an unknown raster name.
var ErrNotFound = errors.New("raster not found")

// Raster is a named expression and its last successful result. Data is
// replaced, never modified, on recompute.
type Raster struct {
	Name string
	Expr string
	Data *image.Tile
}

// RefName is the identifier under which a raster can be used in later
// expressions.
func RefName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

// Failure reports a raster whose expression failed during recompute.
type Failure struct {
	Name string
	Err  error
}

func (f Failure) Error() string { return fmt.Sprintf("%s: %v", f.Name, f.Err) }

// Store holds rasters in insertion order. Generated names come from a
// counter that only increases until Clear.
type Store struct {
	mu      sync.RWMutex
	order   []string
	items   map[string]*Raster
	counter int
	log     *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{items: make(map[string]*Raster), log: logger}
}

// env binds the bands and every stored raster. Caller holds the lock.
func (s *Store) env(refl [image.BandCount]*image.Tile) (Env, error) {
	env, err := BandEnv(refl)
	if err != nil {
		return nil, err
	}
	for _, name := range s.order {
		if r := s.items[name]; r.Data != nil {
			env[RefName(name)] = r.Data
		}
	}
	return env, nil
}

// Evaluate validates and evaluates expr against refl and the stored
// rasters without storing the result.
func (s *Store) Evaluate(expr string, refl [image.BandCount]*image.Tile) (*image.Tile, error) {
	e, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	env, err := s.env(refl)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return e.Eval(env)
}

// Add evaluates expr and stores the result under the next "Raster N" name.
// Nothing is stored and the counter is unchanged when evaluation fails.
func (s *Store) Add(expr string, refl [image.BandCount]*image.Tile) (Raster, error) {
	e, err := Compile(expr)
	if err != nil {
		return Raster{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := s.env(refl)
	if err != nil {
		return Raster{}, err
	}
	data, err := e.Eval(env)
	if err != nil {
		return Raster{}, err
	}
	s.counter++
	r := &Raster{Name: fmt.Sprintf("Raster %d", s.counter), Expr: e.Source(), Data: data}
	s.items[r.Name] = r
	s.order = append(s.order, r.Name)
	s.log.Info("raster created", "name", r.Name, "expr", r.Expr)
	return *r, nil
}

// EnsureOverlay creates the Overlay raster at the front of the list if it
// does not exist yet. It reports whether it was created.
func (s *Store) EnsureOverlay(refl [image.BandCount]*image.Tile) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[OverlayName]; ok {
		return false, nil
	}
	env, err := BandEnv(refl)
	if err != nil {
		return false, err
	}
	data, err := Evaluate(OverlayExpr, env)
	if err != nil {
		return false, err
	}
	s.items[OverlayName] = &Raster{Name: OverlayName, Expr: OverlayExpr, Data: data}
	s.order = append([]string{OverlayName}, s.order...)
	return true, nil
}

// Get looks a raster up by name or by its reference name.
func (s *Store) Get(name string) (Raster, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.items[name]; ok {
		return *r, true
	}
	for _, n := range s.order {
		if RefName(n) == name {
			return *s.items[n], true
		}
	}
	return Raster{}, false
}

// Names returns the raster names in insertion order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// List returns every raster in insertion order.
func (s *Store) List() []Raster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Raster, len(s.order))
	for i, n := range s.order {
		out[i] = *s.items[n]
	}
	return out
}

// Len is the number of stored rasters.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Remove deletes one raster. Its generated name is not reused.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(s.items, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Clear removes every raster and resets the name counter.
func (s *Store) Clear() {
	s.mu.Lock()
	s.order = nil
	s.items = make(map[string]*Raster)
	s.counter = 0
	s.mu.Unlock()
}

// RecomputeAll re-evaluates every raster in insertion order against refl.
// A raster that fails keeps its previous data and is reported.
func (s *Store) RecomputeAll(refl [image.BandCount]*image.Tile) ([]Failure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := BandEnv(refl)
	if err != nil {
		return nil, err
	}
	var failures []Failure
	for _, name := range s.order {
		r := s.items[name]
		data, err := Evaluate(r.Expr, env)
		if err != nil {
			failures = append(failures, Failure{Name: name, Err: err})
		} else {
			r.Data = data
		}
		if r.Data != nil {
			env[RefName(name)] = r.Data
		}
	}
	if len(failures) > 0 {
		metrics.RasterFailures.Add(float64(len(failures)))
	}
	return failures, nil
}
