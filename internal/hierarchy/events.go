package hierarchy

import "github.com/pathtiles/server/internal/event"

// ChangeType says what a hierarchy mutation did.
type ChangeType int

const (
	ObjectsAdded ChangeType = iota
	ObjectsRemoved
	GeometryChanged
	ClassificationChanged
	MeasurementsChanged
	NameChanged
	HierarchyReset
)

var changeTypeNames = [...]string{
	"objects_added",
	"objects_removed",
	"geometry_changed",
	"classification_changed",
	"measurements_changed",
	"name_changed",
	"hierarchy_reset",
}

func (t ChangeType) String() string {
	if int(t) < len(changeTypeNames) {
		return changeTypeNames[t]
	}
	return "unknown"
}

// ChangeEvent is published once per mutation, after the object forest and
// the spatial index are both consistent again.
type ChangeEvent struct {
	Type ChangeType `json:"type"`
	// Objects are the added, removed or modified objects.
	Objects []ObjectID `json:"objects"`
	// Reparented are existing objects whose parent changed as a side effect.
	Reparented []ObjectID `json:"reparented,omitempty"`
	Version    uint64     `json:"version"`
}

// Bus is the event bus type hierarchies publish to.
type Bus = event.Bus[ChangeEvent]

// NewBus creates a bus for hierarchy events.
func NewBus() *Bus {
	return event.NewBus[ChangeEvent]()
}
