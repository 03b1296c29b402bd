package sqlite

import (
	"encoding/json"
	"fmt"

	"github.com/plaenen/flowhs/pkg/model"
)

// A flow is stored as one JSON document; these types fix its layout.

type flowDocument struct {
	FlowID          string                 `json:"flow_id"`
	Source          endpointDocument       `json:"source"`
	Destination     endpointDocument       `json:"destination"`
	Bandwidth       int64                  `json:"bandwidth"`
	IgnoreBandwidth bool                   `json:"ignore_bandwidth,omitempty"`
	Status          model.FlowStatus       `json:"status"`
	ForwardPathID   model.PathID           `json:"forward_path_id"`
	ReversePathID   model.PathID           `json:"reverse_path_id"`
	Paths           []pathDocument         `json:"paths"`
	MirrorPoints    []mirrorPointsDocument `json:"mirror_points,omitempty"`
}

type endpointDocument struct {
	SwitchID model.SwitchID `json:"switch_id"`
	Port     int            `json:"port"`
	Vlan     int            `json:"vlan,omitempty"`
}

type segmentDocument struct {
	SrcSwitchID  model.SwitchID `json:"src_switch_id"`
	SrcPort      int            `json:"src_port"`
	DestSwitchID model.SwitchID `json:"dest_switch_id"`
	DestPort     int            `json:"dest_port"`
	Cookie       model.Cookie   `json:"cookie,omitempty"`
}

type pathDocument struct {
	PathID          model.PathID      `json:"path_id"`
	SrcSwitchID     model.SwitchID    `json:"src_switch_id"`
	DestSwitchID    model.SwitchID    `json:"dest_switch_id"`
	Cookie          model.Cookie      `json:"cookie"`
	MeterID         model.MeterID     `json:"meter_id,omitempty"`
	EncapsulationID int               `json:"encapsulation_id,omitempty"`
	Status          model.PathStatus  `json:"status"`
	Bandwidth       int64             `json:"bandwidth"`
	IgnoreBandwidth bool              `json:"ignore_bandwidth,omitempty"`
	Segments        []segmentDocument `json:"segments"`
}

type mirrorPointsDocument struct {
	MirrorSwitchID model.SwitchID       `json:"mirror_switch_id"`
	MirrorGroupID  model.GroupID        `json:"mirror_group_id"`
	FlowPathID     model.PathID         `json:"flow_path_id"`
	Paths          []mirrorPathDocument `json:"paths"`
}

type mirrorPathDocument struct {
	PathID          model.PathID      `json:"path_id"`
	SrcSwitchID     model.SwitchID    `json:"src_switch_id"`
	Receiver        endpointDocument  `json:"receiver"`
	Cookie          model.Cookie      `json:"cookie"`
	Status          model.PathStatus  `json:"status"`
	Bandwidth       int64             `json:"bandwidth"`
	IgnoreBandwidth bool              `json:"ignore_bandwidth,omitempty"`
	Segments        []segmentDocument `json:"segments,omitempty"`
}

func encodeFlow(flow *model.Flow) ([]byte, error) {
	doc := flowDocument{
		FlowID:          flow.FlowID,
		Source:          endpointOf(flow.Source),
		Destination:     endpointOf(flow.Destination),
		Bandwidth:       flow.Bandwidth,
		IgnoreBandwidth: flow.IgnoreBandwidth,
		Status:          flow.Status,
		ForwardPathID:   flow.ForwardPathID,
		ReversePathID:   flow.ReversePathID,
	}

	for _, path := range flow.Paths() {
		doc.Paths = append(doc.Paths, pathDocument{
			PathID:          path.PathID,
			SrcSwitchID:     path.SrcSwitchID,
			DestSwitchID:    path.DestSwitchID,
			Cookie:          path.Cookie,
			MeterID:         path.MeterID,
			EncapsulationID: path.EncapsulationID,
			Status:          path.Status,
			Bandwidth:       path.Bandwidth(),
			IgnoreBandwidth: path.IgnoreBandwidth(),
			Segments:        segmentsOf(path.Segments()),
		})
	}

	for _, points := range flow.AllMirrorPoints() {
		pd := mirrorPointsDocument{
			MirrorSwitchID: points.MirrorSwitchID,
			MirrorGroupID:  points.MirrorGroupID,
			FlowPathID:     points.FlowPathID,
		}
		for _, mirror := range points.Paths() {
			pd.Paths = append(pd.Paths, mirrorPathDocument{
				PathID:          mirror.PathID,
				SrcSwitchID:     mirror.SrcSwitchID,
				Receiver:        endpointOf(mirror.Receiver()),
				Cookie:          mirror.Cookie,
				Status:          mirror.Status,
				Bandwidth:       mirror.Bandwidth(),
				IgnoreBandwidth: mirror.IgnoreBandwidth(),
				Segments:        segmentsOf(mirror.Segments()),
			})
		}
		doc.MirrorPoints = append(doc.MirrorPoints, pd)
	}

	return json.Marshal(doc)
}

func decodeFlow(data []byte) (*model.Flow, error) {
	var doc flowDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode flow document: %w", err)
	}

	flow := &model.Flow{
		FlowID:          doc.FlowID,
		Source:          doc.Source.endpoint(),
		Destination:     doc.Destination.endpoint(),
		Bandwidth:       doc.Bandwidth,
		IgnoreBandwidth: doc.IgnoreBandwidth,
		Status:          doc.Status,
		ForwardPathID:   doc.ForwardPathID,
		ReversePathID:   doc.ReversePathID,
	}

	for _, pd := range doc.Paths {
		path := model.NewFlowPath(pd.PathID, doc.FlowID, pd.SrcSwitchID, pd.DestSwitchID,
			pd.Bandwidth, pd.IgnoreBandwidth, segmentsFrom(pd.Segments))
		path.Cookie = pd.Cookie
		path.MeterID = pd.MeterID
		path.EncapsulationID = pd.EncapsulationID
		path.Status = pd.Status
		flow.AddPaths(path)
	}

	for _, md := range doc.MirrorPoints {
		points := model.NewFlowMirrorPoints(md.MirrorSwitchID, md.MirrorGroupID, md.FlowPathID)
		for _, pd := range md.Paths {
			mirror := model.NewFlowMirrorPath(pd.PathID, pd.SrcSwitchID, pd.Receiver.endpoint(),
				pd.Bandwidth, pd.IgnoreBandwidth)
			mirror.SetSegments(segmentsFrom(pd.Segments))
			mirror.Cookie = pd.Cookie
			mirror.Status = pd.Status
			points.AddPaths(mirror)
		}
		flow.AddMirrorPoints(points)
	}

	return flow, nil
}

func endpointOf(e model.FlowEndpoint) endpointDocument {
	return endpointDocument{SwitchID: e.SwitchID, Port: e.Port, Vlan: e.Vlan}
}

func (e endpointDocument) endpoint() model.FlowEndpoint {
	return model.FlowEndpoint{SwitchID: e.SwitchID, Port: e.Port, Vlan: e.Vlan}
}

func segmentsOf(segments []model.PathSegment) []segmentDocument {
	out := make([]segmentDocument, 0, len(segments))
	for _, s := range segments {
		out = append(out, segmentDocument{
			SrcSwitchID:  s.SrcSwitchID,
			SrcPort:      s.SrcPort,
			DestSwitchID: s.DestSwitchID,
			DestPort:     s.DestPort,
			Cookie:       s.Cookie,
		})
	}
	return out
}

func segmentsFrom(docs []segmentDocument) []model.PathSegment {
	out := make([]model.PathSegment, 0, len(docs))
	for _, d := range docs {
		out = append(out, model.PathSegment{
			SrcSwitchID:  d.SrcSwitchID,
			SrcPort:      d.SrcPort,
			DestSwitchID: d.DestSwitchID,
			DestPort:     d.DestPort,
			Cookie:       d.Cookie,
		})
	}
	return out
}
