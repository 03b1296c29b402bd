package model

import "fmt"

// Flow is a logical end-to-end connection with a forward and a reverse path.
type Flow struct {
	FlowID          string
	Source          FlowEndpoint
	Destination     FlowEndpoint
	Bandwidth       int64
	IgnoreBandwidth bool
	Status          FlowStatus
	ForwardPathID   PathID
	ReversePathID   PathID

	paths        []*FlowPath
	mirrorPoints []*FlowMirrorPoints
}

// NewFlow creates a flow with the given forward and reverse paths.
func NewFlow(flowID string, src, dest FlowEndpoint, bandwidth int64, forward, reverse *FlowPath) *Flow {
	f := &Flow{
		FlowID:      flowID,
		Source:      src,
		Destination: dest,
		Bandwidth:   bandwidth,
		Status:      FlowStatusUp,
	}
	if forward != nil {
		f.ForwardPathID = forward.PathID
		f.AddPaths(forward)
	}
	if reverse != nil {
		f.ReversePathID = reverse.PathID
		f.AddPaths(reverse)
	}
	return f
}

// AddPaths adds paths to the flow, replacing any with the same id.
func (f *Flow) AddPaths(paths ...*FlowPath) {
	for _, path := range paths {
		path.FlowID = f.FlowID
		replaced := false
		for i, existing := range f.paths {
			if existing.PathID == path.PathID {
				f.paths[i] = path
				replaced = true
				break
			}
		}
		if !replaced {
			f.paths = append(f.paths, path)
		}
	}
}

// Paths returns every path of the flow.
func (f *Flow) Paths() []*FlowPath {
	out := make([]*FlowPath, len(f.paths))
	copy(out, f.paths)
	return out
}

// Path returns the path with the given id.
func (f *Flow) Path(pathID PathID) (*FlowPath, bool) {
	for _, path := range f.paths {
		if path.PathID == pathID {
			return path, true
		}
	}
	return nil, false
}

// ForwardPath returns the forward path, or nil if not set.
func (f *Flow) ForwardPath() *FlowPath {
	path, _ := f.Path(f.ForwardPathID)
	return path
}

// ReversePath returns the reverse path, or nil if not set.
func (f *Flow) ReversePath() *FlowPath {
	path, _ := f.Path(f.ReversePathID)
	return path
}

// PathByDirection returns the path carrying traffic in the given direction.
func (f *Flow) PathByDirection(direction MirrorDirection) (*FlowPath, error) {
	var path *FlowPath
	switch direction {
	case DirectionForward:
		path = f.ForwardPath()
	case DirectionReverse:
		path = f.ReversePath()
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}
	if path == nil {
		return nil, fmt.Errorf("%w: flow %s has no %s path", ErrPathNotFound, f.FlowID, direction)
	}
	return path, nil
}

// Endpoint returns the flow endpoint located on the given switch, if any.
func (f *Flow) Endpoint(switchID SwitchID) (FlowEndpoint, bool) {
	switch switchID {
	case f.Source.SwitchID:
		return f.Source, true
	case f.Destination.SwitchID:
		return f.Destination, true
	}
	return FlowEndpoint{}, false
}

// PathEndpoints returns where traffic of path enters and leaves the flow.
func (f *Flow) PathEndpoints(path *FlowPath) (ingress, egress FlowEndpoint) {
	if path.PathID == f.ReversePathID {
		return f.Destination, f.Source
	}
	return f.Source, f.Destination
}

// IsBusy reports whether an operation is in progress on the flow.
func (f *Flow) IsBusy() bool {
	return f.Status == FlowStatusInProgress
}

// AddMirrorPoints attaches a mirror point group. A group for the same
// flow path and switch is replaced.
func (f *Flow) AddMirrorPoints(points *FlowMirrorPoints) {
	for i, existing := range f.mirrorPoints {
		if existing.FlowPathID == points.FlowPathID && existing.MirrorSwitchID == points.MirrorSwitchID {
			f.mirrorPoints[i] = points
			return
		}
	}
	f.mirrorPoints = append(f.mirrorPoints, points)
}

// RemoveMirrorPoints detaches the group for the given flow path and switch.
func (f *Flow) RemoveMirrorPoints(pathID PathID, switchID SwitchID) {
	for i, existing := range f.mirrorPoints {
		if existing.FlowPathID == pathID && existing.MirrorSwitchID == switchID {
			f.mirrorPoints = append(f.mirrorPoints[:i], f.mirrorPoints[i+1:]...)
			return
		}
	}
}

// MirrorPoints returns the mirror point group of a flow path on a switch.
func (f *Flow) MirrorPoints(pathID PathID, switchID SwitchID) (*FlowMirrorPoints, bool) {
	for _, existing := range f.mirrorPoints {
		if existing.FlowPathID == pathID && existing.MirrorSwitchID == switchID {
			return existing, true
		}
	}
	return nil, false
}

// AllMirrorPoints returns every mirror point group of the flow.
func (f *Flow) AllMirrorPoints() []*FlowMirrorPoints {
	out := make([]*FlowMirrorPoints, len(f.mirrorPoints))
	copy(out, f.mirrorPoints)
	return out
}

// FindMirrorPath looks up a mirror path by mirror point id across all groups.
func (f *Flow) FindMirrorPath(pathID PathID) (*FlowMirrorPoints, *FlowMirrorPath, bool) {
	for _, points := range f.mirrorPoints {
		if path, ok := points.Path(pathID); ok {
			return points, path, true
		}
	}
	return nil, nil, false
}

// Clone returns a deep copy of the flow, its paths and mirror points.
func (f *Flow) Clone() *Flow {
	if f == nil {
		return nil
	}
	c := *f
	c.paths = cloneAll(f.paths)
	c.mirrorPoints = cloneAll(f.mirrorPoints)
	return &c
}

// cloneAll deep copies items. A nil slice stays nil so clones compare equal
// to their source.
func cloneAll[T interface{ Clone() T }](items []T) []T {
	if items == nil {
		return nil
	}
	out := make([]T, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}
