package robot

import (
	"github.com/teslashibe/go-rmi/pkg/motion"
)

// Kind tags the Command variant.
type Kind int

const (
	KindConfigure Kind = iota + 1
	KindMoveJoint
	KindMoveLinear
	KindWait
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindConfigure:
		return "configure"
	case KindMoveJoint:
		return "move_joint"
	case KindMoveLinear:
		return "move_linear"
	case KindWait:
		return "wait"
	default:
		return "unknown"
	}
}

// Command is one queued operation.
//
// Dynamic and Overlap hold the resolved parameters: explicit values when
// the caller supplied them, otherwise the handle's settings at enqueue
// time. Position is nil for Configure and Wait.
type Command struct {
	Seq      uint64
	Kind     Kind
	Position motion.Position
	Dynamic  motion.DynamicProfile
	Overlap  *motion.Overlap
}

// Settings is the configuration a handle applies to moves that omit
// explicit parameters.
type Settings struct {
	Dynamic motion.DynamicProfile
	Overlap *motion.Overlap
}

func (s Settings) clone() Settings {
	out := Settings{Dynamic: s.Dynamic.Clone()}
	if s.Overlap != nil {
		o := cloneOverlap(*s.Overlap)
		out.Overlap = &o
	}
	return out
}

// Param sets an optional motion parameter on Configure, MoveJoint or
// MoveLinear.
type Param func(*params)

type params struct {
	dynamic motion.DynamicProfile
	overlap *motion.Overlap
}

// WithDynamic sets the dynamic profile.
func WithDynamic(d motion.DynamicProfile) Param {
	return func(p *params) {
		p.dynamic = d.Clone()
	}
}

// WithOverlap sets the overlap spec.
func WithOverlap(o motion.Overlap) Param {
	return func(p *params) {
		c := cloneOverlap(o)
		p.overlap = &c
	}
}

func collect(opts []Param) params {
	var p params
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func cloneOverlap(o motion.Overlap) motion.Overlap {
	if o.Distances != nil {
		o.Distances = append([]float64(nil), o.Distances...)
	}
	return o
}

// clonePosition detaches a position from slices and maps the caller may
// still mutate.
func clonePosition(pos motion.Position) motion.Position {
	switch p := pos.(type) {
	case motion.JointPosition:
		return motion.Joints(p...)
	case motion.QuaternionPosition:
		if len(p.Aux) > 0 {
			aux := make(map[string]float64, len(p.Aux))
			for k, v := range p.Aux {
				aux[k] = v
			}
			p.Aux = aux
		}
		return p
	default:
		return pos
	}
}
