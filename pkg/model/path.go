package model

import "slices"

// FlowEndpoint is a switch port with an optional vlan (0 = untagged).
type FlowEndpoint struct {
	SwitchID SwitchID
	Port     int
	Vlan     int
}

// PathSegment is one switch-to-switch hop of a path.
type PathSegment struct {
	PathID          PathID
	SeqID           int
	SrcSwitchID     SwitchID
	SrcPort         int
	DestSwitchID    SwitchID
	DestPort        int
	Bandwidth       int64
	IgnoreBandwidth bool
	Cookie          Cookie
}

// FlowPath is one direction of a flow.
//
// Segments are owned by the path. Every mutation re-establishes the
// denormalized invariants: sequence ids are contiguous from 0 and each
// segment carries the path's id, bandwidth and ignore-bandwidth flag.
type FlowPath struct {
	PathID          PathID
	FlowID          string
	SrcSwitchID     SwitchID
	DestSwitchID    SwitchID
	Cookie          Cookie
	MeterID         MeterID
	EncapsulationID int
	Status          PathStatus

	bandwidth       int64
	ignoreBandwidth bool
	segments        []PathSegment
}

// NewFlowPath creates a path and normalizes the given segments.
func NewFlowPath(pathID PathID, flowID string, src, dest SwitchID, bandwidth int64, ignoreBandwidth bool, segments []PathSegment) *FlowPath {
	p := &FlowPath{
		PathID:          pathID,
		FlowID:          flowID,
		SrcSwitchID:     src,
		DestSwitchID:    dest,
		Status:          PathStatusActive,
		bandwidth:       bandwidth,
		ignoreBandwidth: ignoreBandwidth,
	}
	p.SetSegments(segments)
	return p
}

// Bandwidth returns the path bandwidth in kbps.
func (p *FlowPath) Bandwidth() int64 {
	return p.bandwidth
}

// IgnoreBandwidth reports whether bandwidth is not enforced on the path.
func (p *FlowPath) IgnoreBandwidth() bool {
	return p.ignoreBandwidth
}

// SetBandwidth updates the path and all of its segments.
func (p *FlowPath) SetBandwidth(bandwidth int64) {
	p.bandwidth = bandwidth
	for i := range p.segments {
		p.segments[i].Bandwidth = bandwidth
	}
}

// SetIgnoreBandwidth updates the path and all of its segments.
func (p *FlowPath) SetIgnoreBandwidth(ignore bool) {
	p.ignoreBandwidth = ignore
	for i := range p.segments {
		p.segments[i].IgnoreBandwidth = ignore
	}
}

// SetPathID renames the path and all of its segments.
func (p *FlowPath) SetPathID(pathID PathID) {
	p.PathID = pathID
	for i := range p.segments {
		p.segments[i].PathID = pathID
	}
}

// SetSegments replaces the segments, renumbering them from 0.
func (p *FlowPath) SetSegments(segments []PathSegment) {
	p.segments = normalizeSegments(segments, p.PathID, p.bandwidth, p.ignoreBandwidth)
}

// Segments returns a copy of the ordered segments.
func (p *FlowPath) Segments() []PathSegment {
	out := make([]PathSegment, len(p.segments))
	copy(out, p.segments)
	return out
}

// IsSingleSwitch reports whether the path starts and ends on the same switch.
func (p *FlowPath) IsSingleSwitch() bool {
	return p.SrcSwitchID == p.DestSwitchID
}

// Clone returns a deep copy of the path.
func (p *FlowPath) Clone() *FlowPath {
	if p == nil {
		return nil
	}
	c := *p
	c.segments = slices.Clone(p.segments)
	return &c
}

func normalizeSegments(segments []PathSegment, pathID PathID, bandwidth int64, ignoreBandwidth bool) []PathSegment {
	out := make([]PathSegment, len(segments))
	for idx, segment := range segments {
		segment.PathID = pathID
		segment.SeqID = idx
		segment.Bandwidth = bandwidth
		segment.IgnoreBandwidth = ignoreBandwidth
		out[idx] = segment
	}
	return out
}
