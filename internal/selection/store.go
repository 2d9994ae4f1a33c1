package selection

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"calsync/internal/resource"
	"calsync/pkg/exception"

	"github.com/yanun0323/errors"
)

// Calendar is one selected calendar.
type Calendar struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name,omitempty" json:"name,omitempty"`
	Owner     string `yaml:"owner,omitempty" json:"owner,omitempty"`
	Temporary bool   `yaml:"temporary,omitempty" json:"temporary,omitempty"`
}

func (c Calendar) context() resource.CalendarContext {
	owner := c.Owner
	if owner == "" {
		if before, _, ok := strings.Cut(c.ID, "/"); ok {
			owner = before
		}
	}
	return resource.CalendarContext{ID: c.ID, Owner: owner, Name: c.Name, Temporary: c.Temporary}
}

func validID(id string) error {
	if _, err := resource.ParseCalendarPath(resource.CalendarPath(id)); err != nil {
		return errors.Wrapf(exception.ErrSelectionInvalidID, "id: %q", id)
	}
	return nil
}

// Layers name the sources feeding a Store. When the same id is selected by
// several layers, the context of the earliest layer in this order wins.
const (
	LayerStatic   = "static"
	LayerFile     = "file"
	LayerDatabase = "database"
)

var layerOrder = []string{LayerStatic, LayerFile, LayerDatabase}

// Store is the in-memory desired set. Each source owns one layer and the
// desired set is the union of all layers. It doubles as the calendar index of the router.
type Store struct {
	mu        sync.RWMutex
	layers    map[string]map[string]resource.CalendarContext
	calendars map[string]resource.CalendarContext
	changed   chan struct{}
}

func NewStore() *Store {
	return &Store{
		layers:    make(map[string]map[string]resource.CalendarContext),
		calendars: make(map[string]resource.CalendarContext),
		changed:   make(chan struct{}, 1),
	}
}

// Desired returns a copy of the selected ids.
func (s *Store) Desired() resource.Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(resource.Set, len(s.calendars))
	for id := range s.calendars {
		out[id] = struct{}{}
	}
	return out
}

// Changed signals after every modification. Signals coalesce while nobody reads.
func (s *Store) Changed() <-chan struct{} {
	return s.changed
}

func (s *Store) Lookup(id string) (resource.CalendarContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cal, ok := s.calendars[id]
	return cal, ok
}

// Calendars returns the selection ordered by id.
func (s *Store) Calendars() []resource.CalendarContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]resource.CalendarContext, 0, len(s.calendars))
	for _, cal := range s.calendars {
		out = append(out, cal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Replace swaps the static layer.
func (s *Store) Replace(cals []Calendar) (bool, error) {
	return s.ReplaceLayer(LayerStatic, cals)
}

// ReplaceLayer swaps the whole content of one layer. Nothing changes when any id is invalid.
// It reports whether the merged selection differs from before.
func (s *Store) ReplaceLayer(layer string, cals []Calendar) (bool, error) {
	next := make(map[string]resource.CalendarContext, len(cals))
	for _, cal := range cals {
		if err := validID(cal.ID); err != nil {
			return false, err
		}
		next[cal.ID] = cal.context()
	}

	s.mu.Lock()
	s.layers[layer] = next
	changed := s.mergeLocked()
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return changed, nil
}

// Add selects cal in the static layer.
func (s *Store) Add(cal Calendar) error {
	if err := validID(cal.ID); err != nil {
		return err
	}
	s.mu.Lock()
	static := s.layers[LayerStatic]
	if static == nil {
		static = make(map[string]resource.CalendarContext)
		s.layers[LayerStatic] = static
	}
	static[cal.ID] = cal.context()
	changed := s.mergeLocked()
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return nil
}

// Remove drops id from the static layer. It reports whether the static layer held it;
// the id stays selected while another layer still names it.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.layers[LayerStatic][id]
	delete(s.layers[LayerStatic], id)
	changed := s.mergeLocked()
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return ok
}

// mergeLocked rebuilds the union of all layers and reports whether it changed.
func (s *Store) mergeLocked() bool {
	merged := make(map[string]resource.CalendarContext, len(s.calendars))
	for _, layer := range s.layerNames() {
		for id, cal := range s.layers[layer] {
			if _, ok := merged[id]; !ok {
				merged[id] = cal
			}
		}
	}
	if sameSelection(s.calendars, merged) {
		return false
	}
	s.calendars = merged
	return true
}

func (s *Store) layerNames() []string {
	names := make([]string, 0, len(s.layers))
	names = append(names, layerOrder...)
	var extra []string
	for name := range s.layers {
		if !slices.Contains(layerOrder, name) {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}

func (s *Store) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func sameSelection(a, b map[string]resource.CalendarContext) bool {
	if len(a) != len(b) {
		return false
	}
	for id, cal := range a {
		if other, ok := b[id]; !ok || other != cal {
			return false
		}
	}
	return true
}
