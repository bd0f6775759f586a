package robot

import (
	"fmt"

	"github.com/teslashibe/go-rmi/pkg/motion"
	"github.com/teslashibe/go-rmi/pkg/protocol"
)

var kindToWire = map[Kind]string{
	KindConfigure:  protocol.KindConfigure,
	KindMoveJoint:  protocol.KindPTP,
	KindMoveLinear: protocol.KindLin,
	KindWait:       protocol.KindWait,
}

var wireToKind = map[string]Kind{
	protocol.KindConfigure: KindConfigure,
	protocol.KindPTP:       KindMoveJoint,
	protocol.KindLin:       KindMoveLinear,
	protocol.KindWait:      KindWait,
}

// EncodeCommand converts a command to its wire form.
func EncodeCommand(cmd Command) protocol.CommandData {
	data := protocol.CommandData{
		Seq:  cmd.Seq,
		Kind: kindToWire[cmd.Kind],
	}

	switch pos := cmd.Position.(type) {
	case motion.JointPosition:
		data.PoseType = string(motion.PoseJoints)
		data.Pose = pos.Values()
	case motion.QuaternionPosition:
		data.PoseType = string(motion.PoseQuaternion)
		data.Pose = pos.Values()
		if len(pos.Aux) > 0 {
			data.Aux = make(map[string]float64, len(pos.Aux))
			for k, v := range pos.Aux {
				data.Aux[k] = v
			}
		}
	}

	if len(cmd.Dynamic) > 0 {
		data.VelocityType = protocol.VelocityDyn
		data.Velocity = append([]float64(nil), cmd.Dynamic...)
	}
	if cmd.Overlap != nil {
		data.BlendingType = string(cmd.Overlap.Kind)
		data.Blending = cmd.Overlap.Values()
	}
	return data
}

// DecodeCommand rebuilds a command from its wire form and validates it.
func DecodeCommand(data protocol.CommandData) (Command, error) {
	kind, ok := wireToKind[data.Kind]
	if !ok {
		return Command{}, fmt.Errorf("unknown command type %q", data.Kind)
	}
	cmd := Command{Seq: data.Seq, Kind: kind}

	switch motion.PoseType(data.PoseType) {
	case "":
	case motion.PoseJoints:
		pos := motion.Joints(data.Pose...)
		if err := pos.Validate(); err != nil {
			return Command{}, err
		}
		cmd.Position = pos
	case motion.PoseQuaternion:
		pos, err := motion.Quaternion(data.Pose, data.Aux)
		if err != nil {
			return Command{}, err
		}
		cmd.Position = pos
	default:
		return Command{}, fmt.Errorf("unknown pose type %q", data.PoseType)
	}

	if data.VelocityType != "" {
		if data.VelocityType != protocol.VelocityDyn {
			return Command{}, fmt.Errorf("unsupported velocity type %q", data.VelocityType)
		}
		dyn := motion.Dynamic(data.Velocity...)
		if err := dyn.Validate(); err != nil {
			return Command{}, err
		}
		cmd.Dynamic = dyn
	}

	if data.BlendingType != "" {
		ovl, err := motion.OverlapFromValues(motion.OverlapKind(data.BlendingType), data.Blending)
		if err != nil {
			return Command{}, err
		}
		cmd.Overlap = &ovl
	}
	return cmd, nil
}

// Encode wraps a command in a protocol message.
func Encode(cmd Command) (*protocol.Message, error) {
	return protocol.NewCommandMessage(EncodeCommand(cmd))
}

// Decode extracts a command from a protocol message.
func Decode(msg *protocol.Message) (Command, error) {
	data, err := msg.GetCommandData()
	if err != nil {
		return Command{}, err
	}
	return DecodeCommand(*data)
}
