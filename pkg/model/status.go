package model

// FlowStatus is the persisted status of a flow. FlowStatusInProgress doubles
// as the busy marker: while set, no other operation may start on the flow.
type FlowStatus string

const (
	FlowStatusUp         FlowStatus = "UP"
	FlowStatusDown       FlowStatus = "DOWN"
	FlowStatusDegraded   FlowStatus = "DEGRADED"
	FlowStatusInProgress FlowStatus = "IN_PROGRESS"
)

// PathStatus is the status of a flow path or mirror path.
type PathStatus string

const (
	PathStatusActive     PathStatus = "ACTIVE"
	PathStatusInactive   PathStatus = "INACTIVE"
	PathStatusInProgress PathStatus = "IN_PROGRESS"
)

// SwitchStatus is the status of a switch in the inventory.
type SwitchStatus string

const (
	SwitchStatusActive   SwitchStatus = "ACTIVE"
	SwitchStatusInactive SwitchStatus = "INACTIVE"
)

// Switch is an entry of the switch inventory.
type Switch struct {
	SwitchID SwitchID
	Status   SwitchStatus
}

// IsActive reports whether the switch is connected.
func (s Switch) IsActive() bool {
	return s.Status == SwitchStatusActive
}
