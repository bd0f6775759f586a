// Package motion defines the immutable value types passed through a motion
// program: positions, dynamic profiles and overlap (blending) specs.
//
// Values are validated once, when a command is built; nothing downstream
// re-checks them.
package motion

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// PoseType identifies the Position variant on the wire.
type PoseType string

const (
	PoseJoints     PoseType = "JOINTS"
	PoseQuaternion PoseType = "QUATERNION"
)

// QuaternionArity is x, y, z followed by qw, qx, qy, qz.
const QuaternionArity = 7

// Position is either a JointPosition or a QuaternionPosition.
type Position interface {
	// Type returns the wire pose type.
	Type() PoseType

	// Values returns a copy of the position components.
	Values() []float64

	// Validate checks component count and finiteness.
	Validate() error
}

// JointPosition is an ordered list of joint values in radians.
// The arity is fixed per robot and checked by the owning handle.
type JointPosition []float64

// Joints builds a JointPosition.
func Joints(values ...float64) JointPosition {
	return append(JointPosition(nil), values...)
}

// Type implements Position.
func (j JointPosition) Type() PoseType { return PoseJoints }

// Values implements Position.
func (j JointPosition) Values() []float64 { return append([]float64(nil), j...) }

// Validate implements Position.
func (j JointPosition) Validate() error {
	if len(j) == 0 {
		return invalid("pose", "joint position is empty")
	}
	return checkFinite("pose", j)
}

// QuaternionPosition is a Cartesian pose (meters) with unit-quaternion
// orientation, plus optional overrides for named auxiliary axes.
type QuaternionPosition struct {
	Pose [QuaternionArity]float64
	Aux  map[string]float64
}

// Quaternion builds a QuaternionPosition from exactly seven components.
// aux may be nil.
func Quaternion(values []float64, aux map[string]float64) (QuaternionPosition, error) {
	var q QuaternionPosition
	if len(values) != QuaternionArity {
		return q, invalid("pose", "quaternion position needs %d components, got %d", QuaternionArity, len(values))
	}
	copy(q.Pose[:], values)
	if len(aux) > 0 {
		q.Aux = make(map[string]float64, len(aux))
		for k, v := range aux {
			q.Aux[k] = v
		}
	}
	return q, q.Validate()
}

// MustQuaternion is Quaternion that panics on invalid input.
// Intended for package-level program constants.
func MustQuaternion(values []float64, aux map[string]float64) QuaternionPosition {
	q, err := Quaternion(values, aux)
	if err != nil {
		panic(err)
	}
	return q
}

// Type implements Position.
func (q QuaternionPosition) Type() PoseType { return PoseQuaternion }

// Values implements Position.
func (q QuaternionPosition) Values() []float64 { return append([]float64(nil), q.Pose[:]...) }

// Validate implements Position.
func (q QuaternionPosition) Validate() error {
	if err := checkFinite("pose", q.Pose[:]); err != nil {
		return err
	}
	for name, v := range q.Aux {
		if !auxName.MatchString(name) {
			return invalid("aux", "axis %q is not a named axis", name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid("aux", "axis %q value is not finite", name)
		}
	}
	return nil
}

// auxName accepts identifiers only; purely positional names like "0" or
// "7" are rejected.
var auxName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseAux parses override strings of the form "aux1:-100" into a map.
func ParseAux(specs ...string) (map[string]float64, error) {
	out := make(map[string]float64, len(specs))
	for _, s := range specs {
		name, raw, ok := strings.Cut(s, ":")
		if !ok {
			return nil, invalid("aux", "%q is not name:value", s)
		}
		name = strings.TrimSpace(name)
		if !auxName.MatchString(name) {
			return nil, invalid("aux", "axis %q is not a named axis", name)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, invalid("aux", "axis %q: %v", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// DynamicProfile holds positive speed/acceleration limits per axis class.
type DynamicProfile []float64

// Dynamic builds a DynamicProfile.
func Dynamic(values ...float64) DynamicProfile {
	return append(DynamicProfile(nil), values...)
}

// Validate checks the profile is non-empty and strictly positive.
func (d DynamicProfile) Validate() error {
	if len(d) == 0 {
		return invalid("dynamic", "profile is empty")
	}
	for i, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return invalid("dynamic", "value %d must be > 0, got %v", i, v)
		}
	}
	return nil
}

// Clone returns an independent copy.
func (d DynamicProfile) Clone() DynamicProfile {
	if d == nil {
		return nil
	}
	return append(DynamicProfile(nil), d...)
}

// Preset dynamics (velAxis accAxis decAxis jerkAxis vel acc dec jerk
// velOri accOri decOri jerkOri).
var (
	Fast   = Dynamic(100, 100, 100, 100, 500, 1000, 1000, 10000, 1000, 10000, 10000, 100000)
	Medium = Dynamic(50, 50, 50, 50, 250, 1000, 1000, 10000, 1000, 10000, 10000, 100000)
	Slow   = Dynamic(10, 10, 10, 100, 50, 1000, 1000, 10000, 1000, 10000, 10000, 100000)
)

// OverlapKind selects how consecutive motions are blended.
type OverlapKind string

const (
	OverlapSuppressPosition OverlapKind = "OVLSUPPOS"
	OverlapRelative         OverlapKind = "OVLREL"
	OverlapAbsolute         OverlapKind = "OVLABS"
)

// AbsoluteOverlapAxes is the number of distances an absolute overlap
// carries: position, orientation, linear aux, rotary aux and the
// constant-velocity distance.
const AbsoluteOverlapAxes = 5

// Overlap is a blending specification.
// Percent is used by the suppress-position and relative kinds, Distances
// by the absolute kind.
type Overlap struct {
	Kind      OverlapKind
	Percent   float64
	Distances []float64
}

// SuppressPosition blends by a percentage of the suppressed position.
func SuppressPosition(percent float64) Overlap {
	return Overlap{Kind: OverlapSuppressPosition, Percent: percent}
}

// Relative blends by a percentage of the segment.
func Relative(percent float64) Overlap {
	return Overlap{Kind: OverlapRelative, Percent: percent}
}

// Absolute blends by fixed per-axis distances.
func Absolute(distances ...float64) Overlap {
	return Overlap{Kind: OverlapAbsolute, Distances: append([]float64(nil), distances...)}
}

// Values returns the wire representation of the blending parameters.
func (o Overlap) Values() []float64 {
	if o.Kind == OverlapAbsolute {
		return append([]float64(nil), o.Distances...)
	}
	return []float64{o.Percent}
}

// Validate checks the kind, the percent range and the absolute arity.
func (o Overlap) Validate() error {
	switch o.Kind {
	case OverlapSuppressPosition, OverlapRelative:
		if math.IsNaN(o.Percent) || o.Percent < 0 || o.Percent > 100 {
			return invalid("overlap", "%s percent must be in [0,100], got %v", o.Kind, o.Percent)
		}
	case OverlapAbsolute:
		if len(o.Distances) != AbsoluteOverlapAxes {
			return invalid("overlap", "%s needs %d distances, got %d", o.Kind, AbsoluteOverlapAxes, len(o.Distances))
		}
		for i, v := range o.Distances {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return invalid("overlap", "distance %d must be >= 0, got %v", i, v)
			}
		}
	default:
		return invalid("overlap", "unknown kind %q", o.Kind)
	}
	return nil
}

// OverlapFromValues rebuilds an Overlap from its wire form.
func OverlapFromValues(kind OverlapKind, values []float64) (Overlap, error) {
	var o Overlap
	switch kind {
	case OverlapAbsolute:
		o = Absolute(values...)
	case OverlapSuppressPosition, OverlapRelative:
		if len(values) != 1 {
			return o, invalid("overlap", "%s needs 1 value, got %d", kind, len(values))
		}
		o = Overlap{Kind: kind, Percent: values[0]}
	default:
		return o, invalid("overlap", "unknown kind %q", kind)
	}
	return o, o.Validate()
}

func checkFinite(field string, values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid(field, "component %d is not finite", i)
		}
	}
	return nil
}
