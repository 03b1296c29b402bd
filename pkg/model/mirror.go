package model

import "slices"

// FlowMirrorPath is the path from a mirror switch to a receiver endpoint.
// Its PathID is the mirror point id.
type FlowMirrorPath struct {
	PathID       PathID
	SrcSwitchID  SwitchID
	DestSwitchID SwitchID
	DestPort     int
	DestVlan     int
	Cookie       Cookie
	Status       PathStatus

	bandwidth       int64
	ignoreBandwidth bool
	segments        []PathSegment
}

// NewFlowMirrorPath creates a mirror path to the receiver endpoint.
func NewFlowMirrorPath(pathID PathID, mirrorSwitch SwitchID, receiver FlowEndpoint, bandwidth int64, ignoreBandwidth bool) *FlowMirrorPath {
	return &FlowMirrorPath{
		PathID:          pathID,
		SrcSwitchID:     mirrorSwitch,
		DestSwitchID:    receiver.SwitchID,
		DestPort:        receiver.Port,
		DestVlan:        receiver.Vlan,
		Status:          PathStatusInProgress,
		bandwidth:       bandwidth,
		ignoreBandwidth: ignoreBandwidth,
	}
}

func (p *FlowMirrorPath) Bandwidth() int64 {
	return p.bandwidth
}

func (p *FlowMirrorPath) IgnoreBandwidth() bool {
	return p.ignoreBandwidth
}

// SetBandwidth updates the mirror path and all of its segments.
func (p *FlowMirrorPath) SetBandwidth(bandwidth int64) {
	p.bandwidth = bandwidth
	for i := range p.segments {
		p.segments[i].Bandwidth = bandwidth
	}
}

// SetIgnoreBandwidth updates the mirror path and all of its segments.
func (p *FlowMirrorPath) SetIgnoreBandwidth(ignore bool) {
	p.ignoreBandwidth = ignore
	for i := range p.segments {
		p.segments[i].IgnoreBandwidth = ignore
	}
}

// SetSegments replaces the segments, renumbering them from 0.
func (p *FlowMirrorPath) SetSegments(segments []PathSegment) {
	p.segments = normalizeSegments(segments, p.PathID, p.bandwidth, p.ignoreBandwidth)
}

// Segments returns a copy of the ordered segments.
func (p *FlowMirrorPath) Segments() []PathSegment {
	out := make([]PathSegment, len(p.segments))
	copy(out, p.segments)
	return out
}

// Receiver returns the receiver endpoint of the mirror path.
func (p *FlowMirrorPath) Receiver() FlowEndpoint {
	return FlowEndpoint{SwitchID: p.DestSwitchID, Port: p.DestPort, Vlan: p.DestVlan}
}

// IsSingleSwitch reports whether the receiver sits on the mirror switch.
func (p *FlowMirrorPath) IsSingleSwitch() bool {
	return p.SrcSwitchID == p.DestSwitchID
}

// Clone returns a deep copy of the mirror path.
func (p *FlowMirrorPath) Clone() *FlowMirrorPath {
	if p == nil {
		return nil
	}
	c := *p
	c.segments = slices.Clone(p.segments)
	return &c
}

// FlowMirrorPoints groups the mirror paths of one flow path on one switch.
// All of them share a single mirror group.
type FlowMirrorPoints struct {
	MirrorSwitchID SwitchID
	MirrorGroupID  GroupID
	FlowPathID     PathID

	paths []*FlowMirrorPath
}

// NewFlowMirrorPoints creates an empty mirror point group.
func NewFlowMirrorPoints(mirrorSwitch SwitchID, groupID GroupID, flowPathID PathID) *FlowMirrorPoints {
	return &FlowMirrorPoints{
		MirrorSwitchID: mirrorSwitch,
		MirrorGroupID:  groupID,
		FlowPathID:     flowPathID,
	}
}

// AddPaths adds mirror paths. A path with the same id replaces the existing one.
func (m *FlowMirrorPoints) AddPaths(paths ...*FlowMirrorPath) {
	for _, path := range paths {
		replaced := false
		for i, existing := range m.paths {
			if existing.PathID == path.PathID {
				m.paths[i] = path
				replaced = true
				break
			}
		}
		if !replaced {
			m.paths = append(m.paths, path)
		}
	}
}

// RemovePath detaches a mirror path and reports whether it was present.
func (m *FlowMirrorPoints) RemovePath(pathID PathID) (*FlowMirrorPath, bool) {
	for i, existing := range m.paths {
		if existing.PathID == pathID {
			m.paths = append(m.paths[:i], m.paths[i+1:]...)
			return existing, true
		}
	}
	return nil, false
}

// Path returns the mirror path with the given id.
func (m *FlowMirrorPoints) Path(pathID PathID) (*FlowMirrorPath, bool) {
	for _, existing := range m.paths {
		if existing.PathID == pathID {
			return existing, true
		}
	}
	return nil, false
}

// Paths returns the mirror paths in insertion order.
func (m *FlowMirrorPoints) Paths() []*FlowMirrorPath {
	out := make([]*FlowMirrorPath, len(m.paths))
	copy(out, m.paths)
	return out
}

// PathIDs returns the ids of the mirror paths.
func (m *FlowMirrorPoints) PathIDs() []PathID {
	ids := make([]PathID, 0, len(m.paths))
	for _, path := range m.paths {
		ids = append(ids, path.PathID)
	}
	return ids
}

// IsEmpty reports whether no mirror path is left.
func (m *FlowMirrorPoints) IsEmpty() bool {
	return len(m.paths) == 0
}

// Clone returns a deep copy, cloning every mirror path.
func (m *FlowMirrorPoints) Clone() *FlowMirrorPoints {
	if m == nil {
		return nil
	}
	c := *m
	c.paths = cloneAll(m.paths)
	return &c
}

// MirrorConfig is the mirror group configuration programmed on a switch.
type MirrorConfig struct {
	GroupID  GroupID            `json:"group_id"`
	MainPort int                `json:"main_port"`
	Targets  []MirrorConfigData `json:"mirror_data_set"`
}

// MirrorConfigData is one output of a mirror group.
type MirrorConfigData struct {
	MirrorPort int `json:"mirror_port"`
	MirrorVlan int `json:"mirror_vlan"`
}

// RequestedMirrorPoint is the mirror point asked for by a create request.
type RequestedMirrorPoint struct {
	FlowID         string          `json:"flow_id" valid:"required"`
	MirrorPointID  string          `json:"mirror_point_id" valid:"required"`
	Direction      MirrorDirection `json:"mirror_point_direction" valid:"required,in(FORWARD|REVERSE)"`
	MirrorSwitchID SwitchID        `json:"mirror_point_switch_id" valid:"required"`
	ReceiverSwitch SwitchID        `json:"receiver_point_switch_id" valid:"required"`
	ReceiverPort   int             `json:"receiver_point_port" valid:"range(1|65535)"`
	ReceiverVlan   int             `json:"receiver_point_vlan" valid:"range(0|4094)"`
}

// Receiver returns the receiver endpoint.
func (r RequestedMirrorPoint) Receiver() FlowEndpoint {
	return FlowEndpoint{SwitchID: r.ReceiverSwitch, Port: r.ReceiverPort, Vlan: r.ReceiverVlan}
}
