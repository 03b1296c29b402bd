package speaker

import "github.com/plaenen/flowhs/pkg/model"

// MeterConfig is the rate limit applied at flow ingress.
type MeterConfig struct {
	MeterID   model.MeterID `json:"meter_id"`
	Bandwidth int64         `json:"bandwidth"`
	BurstSize int64         `json:"burst_size"`
}

// Encapsulation identifies how traffic is carried between switches.
type Encapsulation struct {
	Type string `json:"type"`
	ID   int    `json:"id"`
}

// IngressSegmentPayload programs the classification rule at flow entry.
type IngressSegmentPayload struct {
	Endpoint      model.FlowEndpoint  `json:"endpoint"`
	IslPort       int                 `json:"isl_port"`
	Encapsulation Encapsulation       `json:"encapsulation"`
	Meter         *MeterConfig        `json:"meter,omitempty"`
	Mirror        *model.MirrorConfig `json:"mirror,omitempty"`
	// ReturnPathCookie lets the ingress switch match traffic of the opposite path.
	ReturnPathCookie model.Cookie `json:"return_path_cookie"`
}

// EgressSegmentPayload programs the rule delivering traffic to the flow exit.
type EgressSegmentPayload struct {
	Endpoint        model.FlowEndpoint  `json:"endpoint"`
	IngressEndpoint model.FlowEndpoint  `json:"ingress_endpoint"`
	IslPort         int                 `json:"isl_port"`
	Encapsulation   Encapsulation       `json:"encapsulation"`
	Mirror          *model.MirrorConfig `json:"mirror,omitempty"`
}

// TransitSegmentPayload forwards encapsulated traffic through a switch.
type TransitSegmentPayload struct {
	IngressIslPort int           `json:"ingress_isl_port"`
	EgressIslPort  int           `json:"egress_isl_port"`
	Encapsulation  Encapsulation `json:"encapsulation"`
}
