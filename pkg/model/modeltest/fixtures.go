// Package modeltest provides flow fixtures shared by tests.
package modeltest

import "github.com/plaenen/flowhs/pkg/model"

// TwoSwitchFlow returns flow flowID from sw1 port 1 to sw2 port 2 over a
// single ISL sw1:10 -> sw2:20.
func TwoSwitchFlow(flowID string) *model.Flow {
	forward := model.NewFlowPath(model.PathID(flowID+"-fwd"), flowID, "sw1", "sw2", 10000, false, []model.PathSegment{
		{SrcSwitchID: "sw1", SrcPort: 10, DestSwitchID: "sw2", DestPort: 20},
	})
	forward.Cookie = model.NewCookie(model.DirectionForward, 1)
	forward.MeterID = 32
	forward.EncapsulationID = 101

	reverse := model.NewFlowPath(model.PathID(flowID+"-rev"), flowID, "sw2", "sw1", 10000, false, []model.PathSegment{
		{SrcSwitchID: "sw2", SrcPort: 20, DestSwitchID: "sw1", DestPort: 10},
	})
	reverse.Cookie = model.NewCookie(model.DirectionReverse, 1)
	reverse.MeterID = 33
	reverse.EncapsulationID = 102

	return model.NewFlow(flowID,
		model.FlowEndpoint{SwitchID: "sw1", Port: 1, Vlan: 100},
		model.FlowEndpoint{SwitchID: "sw2", Port: 2, Vlan: 200},
		10000, forward, reverse)
}

// ThreeSwitchFlow returns flow flowID from sw1 to sw3 through sw2.
func ThreeSwitchFlow(flowID string) *model.Flow {
	forward := model.NewFlowPath(model.PathID(flowID+"-fwd"), flowID, "sw1", "sw3", 5000, false, []model.PathSegment{
		{SrcSwitchID: "sw1", SrcPort: 10, DestSwitchID: "sw2", DestPort: 20},
		{SrcSwitchID: "sw2", SrcPort: 21, DestSwitchID: "sw3", DestPort: 30},
	})
	forward.Cookie = model.NewCookie(model.DirectionForward, 2)
	forward.EncapsulationID = 201

	reverse := model.NewFlowPath(model.PathID(flowID+"-rev"), flowID, "sw3", "sw1", 5000, false, []model.PathSegment{
		{SrcSwitchID: "sw3", SrcPort: 30, DestSwitchID: "sw2", DestPort: 21},
		{SrcSwitchID: "sw2", SrcPort: 20, DestSwitchID: "sw1", DestPort: 10},
	})
	reverse.Cookie = model.NewCookie(model.DirectionReverse, 2)
	reverse.EncapsulationID = 202

	return model.NewFlow(flowID,
		model.FlowEndpoint{SwitchID: "sw1", Port: 1},
		model.FlowEndpoint{SwitchID: "sw3", Port: 3},
		5000, forward, reverse)
}

// Switches returns an active inventory entry for each id.
func Switches(ids ...model.SwitchID) []model.Switch {
	out := make([]model.Switch, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Switch{SwitchID: id, Status: model.SwitchStatusActive})
	}
	return out
}

// MirrorPoint returns a create request for a mirror on mirrorSwitch
// delivering to port 5 of sw9.
func MirrorPoint(flowID, mirrorPointID string, mirrorSwitch model.SwitchID, direction model.MirrorDirection) model.RequestedMirrorPoint {
	return model.RequestedMirrorPoint{
		FlowID:         flowID,
		MirrorPointID:  mirrorPointID,
		Direction:      direction,
		MirrorSwitchID: mirrorSwitch,
		ReceiverSwitch: "sw9",
		ReceiverPort:   5,
		ReceiverVlan:   300,
	}
}
