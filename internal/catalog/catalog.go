// Package catalog holds the static list of entities the mirror tracks.
//
// The catalogue is loaded once at startup from YAML and never changes for
// the life of the process. It is the sole source of entity identity (room,
// floor, kind, display name) and the filter applied to every inbound
// remote event.
//
//	entities:
//	  - id: light.kitchen
//	    room: Kitchen
//	    floor: Ground
//	    name: Kitchen Ceiling
//	  - id: alarm_control_panel.house
//	    kind: alarm_panel
//	    room: Hall
//	    floor: Ground
//
// All methods are safe for concurrent use; the catalogue is immutable after
// construction.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-mirror/internal/entity"
)

// Room is a derived grouping of catalogue entries.
type Room struct {
	Name      string   `json:"name"`
	Floor     string   `json:"floor"`
	EntityIDs []string `json:"entity_ids"`
}

// Catalog is the immutable, ordered set of tracked entities.
type Catalog struct {
	entries []entity.Identity
	byID    map[string]int
	rooms   []Room
	roomIdx map[string]int
	floors  []string
}

// file is the on-disk YAML layout.
type file struct {
	Entities []entity.Identity `yaml:"entities"`
}

// Load reads and validates a catalogue file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalogue YAML.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parsing yaml: %v", ErrInvalidCatalog, err)
	}
	return New(f.Entities)
}

// New validates entries and builds the room and floor indices.
//
// An empty Kind is inferred from the id's domain, and an empty DisplayName
// defaults to the object id in title case. Every problem is reported in one
// error wrapping ErrInvalidCatalog; no entry is silently dropped.
func New(entries []entity.Identity) (*Catalog, error) {
	c := &Catalog{
		entries: make([]entity.Identity, 0, len(entries)),
		byID:    make(map[string]int, len(entries)),
		roomIdx: make(map[string]int),
	}

	var errs []error
	for i, e := range entries {
		e, problems := normalise(i, e)
		if _, dup := c.byID[e.ID]; dup && e.ID != "" {
			problems = append(problems, fmt.Errorf("entry %d: duplicate id %q", i, e.ID))
		}
		if len(problems) > 0 {
			errs = append(errs, problems...)
			continue
		}
		c.byID[e.ID] = len(c.entries)
		c.entries = append(c.entries, e)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, errors.Join(errs...))
	}

	c.buildGroups()
	return c, nil
}

func normalise(i int, e entity.Identity) (entity.Identity, []error) {
	var problems []error

	e.ID = strings.TrimSpace(e.ID)
	e.Room = strings.TrimSpace(e.Room)
	e.Floor = strings.TrimSpace(e.Floor)

	domain, object, ok := entity.SplitID(e.ID)
	switch {
	case e.ID == "":
		problems = append(problems, fmt.Errorf("entry %d: id is required", i))
	case !ok:
		problems = append(problems, fmt.Errorf("entry %d: id %q must be domain.object_id", i, e.ID))
	}

	if e.Room == "" {
		problems = append(problems, fmt.Errorf("entry %d (%s): room is required", i, e.ID))
	}
	if e.Floor == "" {
		problems = append(problems, fmt.Errorf("entry %d (%s): floor is required", i, e.ID))
	}

	if e.Kind == "" {
		if ok {
			kind, known := entity.KindFromDomain(domain)
			if !known {
				problems = append(problems, fmt.Errorf("entry %d (%s): cannot infer kind from domain %q", i, e.ID, domain))
			}
			e.Kind = kind
		}
	} else if kind, known := entity.ParseKind(string(e.Kind)); known {
		e.Kind = kind
		if ok && kind.Domain() != domain {
			problems = append(problems, fmt.Errorf("entry %d (%s): kind %q does not match domain %q", i, e.ID, kind, domain))
		}
	} else {
		problems = append(problems, fmt.Errorf("entry %d (%s): unknown kind %q", i, e.ID, e.Kind))
	}

	if strings.TrimSpace(e.DisplayName) == "" && ok {
		e.DisplayName = humanise(object)
	}

	return e, problems
}

// humanise turns "kitchen_ceiling" into "Kitchen Ceiling".
func humanise(object string) string {
	words := strings.Fields(strings.ReplaceAll(object, "_", " "))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func (c *Catalog) buildGroups() {
	seenFloor := make(map[string]bool)
	for _, e := range c.entries {
		idx, ok := c.roomIdx[e.Room]
		if !ok {
			idx = len(c.rooms)
			c.roomIdx[e.Room] = idx
			c.rooms = append(c.rooms, Room{Name: e.Room, Floor: e.Floor})
		}
		c.rooms[idx].EntityIDs = append(c.rooms[idx].EntityIDs, e.ID)

		if !seenFloor[e.Floor] {
			seenFloor[e.Floor] = true
			c.floors = append(c.floors, e.Floor)
		}
	}
}

// Len returns the number of entries.
func (c *Catalog) Len() int { return len(c.entries) }

// Contains reports whether id is tracked.
func (c *Catalog) Contains(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// Get returns the identity for id.
func (c *Catalog) Get(id string) (entity.Identity, bool) {
	i, ok := c.byID[id]
	if !ok {
		return entity.Identity{}, false
	}
	return c.entries[i], true
}

// List returns every entry in catalogue order.
func (c *Catalog) List() []entity.Identity {
	out := make([]entity.Identity, len(c.entries))
	copy(out, c.entries)
	return out
}

// IDs returns every id in catalogue order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.ID
	}
	return out
}

// ByRoom returns the entries of room in catalogue order.
func (c *Catalog) ByRoom(room string) []entity.Identity {
	return c.filter(func(e entity.Identity) bool { return e.Room == room })
}

// ByFloor returns the entries on floor in catalogue order.
func (c *Catalog) ByFloor(floor string) []entity.Identity {
	return c.filter(func(e entity.Identity) bool { return e.Floor == floor })
}

// ByKind returns the entries of kind in catalogue order.
func (c *Catalog) ByKind(kind entity.Kind) []entity.Identity {
	return c.filter(func(e entity.Identity) bool { return e.Kind == kind })
}

func (c *Catalog) filter(keep func(entity.Identity) bool) []entity.Identity {
	var out []entity.Identity
	for _, e := range c.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Rooms returns every room in order of first appearance.
//
// A room is keyed by name only; its Floor is the floor of its first entry.
func (c *Catalog) Rooms() []Room {
	out := make([]Room, len(c.rooms))
	for i, r := range c.rooms {
		out[i] = Room{Name: r.Name, Floor: r.Floor, EntityIDs: append([]string(nil), r.EntityIDs...)}
	}
	return out
}

// Room returns a single room.
func (c *Catalog) Room(name string) (Room, error) {
	i, ok := c.roomIdx[name]
	if !ok {
		return Room{}, fmt.Errorf("%w: %q", ErrRoomNotFound, name)
	}
	r := c.rooms[i]
	return Room{Name: r.Name, Floor: r.Floor, EntityIDs: append([]string(nil), r.EntityIDs...)}, nil
}

// RoomIDs returns the member ids of a room, or ErrRoomNotFound.
func (c *Catalog) RoomIDs(name string) ([]string, error) {
	r, err := c.Room(name)
	if err != nil {
		return nil, err
	}
	return r.EntityIDs, nil
}

// FloorIDs returns the member ids of a floor, or ErrFloorNotFound.
func (c *Catalog) FloorIDs(floor string) ([]string, error) {
	var ids []string
	for _, e := range c.entries {
		if e.Floor == floor {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrFloorNotFound, floor)
	}
	return ids, nil
}

// Floors returns every floor in order of first appearance.
func (c *Catalog) Floors() []string {
	return append([]string(nil), c.floors...)
}
