package hierarchy

import (
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
)

var (
	// ErrInvalidGeometry is returned for empty, degenerate or self-intersecting geometry.
	ErrInvalidGeometry = errors.New("invalid geometry")
	// ErrNotFound is returned for ids that are not attached to the hierarchy.
	ErrNotFound = errors.New("object not found")
	// ErrAlreadyAttached is returned when inserting an object twice.
	ErrAlreadyAttached = errors.New("object already attached")
	// ErrDetached is returned when re-inserting a removed object.
	ErrDetached = errors.New("object was removed and cannot be reattached")
	// ErrIncompatibleParent is returned when a parent cannot hold a child kind.
	ErrIncompatibleParent = errors.New("incompatible parent")
	// ErrRoot is returned for operations not allowed on the root.
	ErrRoot = errors.New("operation not allowed on root")
)

// ObjectID identifies an object for its whole lifetime.
type ObjectID = uuid.UUID

// Kind classifies objects.
type Kind uint8

const (
	KindRoot Kind = iota
	KindAnnotation
	KindDetection
	KindCell
	KindTile
)

var kindNames = [...]string{"root", "annotation", "detection", "cell", "tile"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown object kind %q", s)
}

// MarshalText encodes a kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// IsDetection reports whether k is a detection, cell or tile.
func (k Kind) IsDetection() bool {
	return k == KindDetection || k == KindCell || k == KindTile
}

// CanHold reports whether an object of kind k may be the parent of child.
// Annotations nest under annotations; tiles under annotations; detections
// and cells under annotations or tiles.
func (k Kind) CanHold(child Kind) bool {
	switch k {
	case KindRoot:
		return child != KindRoot
	case KindAnnotation:
		return child != KindRoot
	case KindTile:
		return child == KindDetection || child == KindCell
	default:
		return false
	}
}

// PathObject is an immutable snapshot of an object. Mutations go through the
// hierarchy, which replaces the stored snapshot; snapshots handed out earlier
// never change.
type PathObject struct {
	id             ObjectID
	kind           Kind
	name           string
	geometry       Geometry
	classification string
	measurements   map[string]float64
}

func newObject(kind Kind, g Geometry) *PathObject {
	return &PathObject{id: uuid.New(), kind: kind, geometry: g.clone()}
}

// NewAnnotation returns an unattached annotation.
func NewAnnotation(g Geometry) *PathObject { return newObject(KindAnnotation, g) }

// NewDetection returns an unattached detection.
func NewDetection(g Geometry) *PathObject { return newObject(KindDetection, g) }

// NewCell returns an unattached cell.
func NewCell(g Geometry) *PathObject { return newObject(KindCell, g) }

// NewTile returns an unattached tile.
func NewTile(g Geometry) *PathObject { return newObject(KindTile, g) }

// NewObject returns an unattached object with a known id, as used when
// restoring saved objects.
func NewObject(id ObjectID, kind Kind, g Geometry) *PathObject {
	return &PathObject{id: id, kind: kind, geometry: g.clone()}
}

func (o *PathObject) ID() ObjectID           { return o.id }
func (o *PathObject) Kind() Kind             { return o.kind }
func (o *PathObject) Name() string           { return o.name }
func (o *PathObject) Plane() Plane           { return o.geometry.Plane }
func (o *PathObject) Classification() string { return o.classification }

// Geometry returns a copy of the object's geometry. Editing its points does
// not affect the object.
func (o *PathObject) Geometry() Geometry { return o.geometry.clone() }

// Measurements returns a copy of the measurement map.
func (o *PathObject) Measurements() map[string]float64 {
	return maps.Clone(o.measurements)
}

// Measurement returns one named measurement.
func (o *PathObject) Measurement(name string) (float64, bool) {
	v, ok := o.measurements[name]
	return v, ok
}

func (o *PathObject) copy() *PathObject {
	c := *o
	c.measurements = maps.Clone(o.measurements)
	return &c
}

// WithName returns a copy with a display name.
func (o *PathObject) WithName(name string) *PathObject {
	c := o.copy()
	c.name = name
	return c
}

// WithClassification returns a copy with a classification; "" clears it.
func (o *PathObject) WithClassification(class string) *PathObject {
	c := o.copy()
	c.classification = class
	return c
}

// WithMeasurements returns a copy whose measurements are m.
func (o *PathObject) WithMeasurements(m map[string]float64) *PathObject {
	c := o.copy()
	c.measurements = maps.Clone(m)
	return c
}

func (o *PathObject) withGeometry(g Geometry) *PathObject {
	c := o.copy()
	c.geometry = g.clone()
	return c
}

func (o *PathObject) String() string {
	return fmt.Sprintf("%s(%s)", o.kind, o.id)
}
