// Package command builds the per-switch commands needed to apply a flow
// change. Building is a pure function of the flow snapshot it is given.
package command

import (
	"encoding/json"
	"errors"

	"github.com/plaenen/flowhs/pkg/model"
	"github.com/plaenen/flowhs/pkg/speaker"
)

// ErrUnsupportedDirection is returned when a mirror direction selects no path.
var ErrUnsupportedDirection = errors.New("flow mirror points direction is not supported")

// Operation is what a command does to the rules it addresses.
type Operation string

const (
	OpInstall   Operation = "install"
	OpRemove    Operation = "remove"
	OpReinstall Operation = "reinstall"
)

type role int

const (
	roleIngress role = iota
	roleTransit
	roleEgress
)

var kinds = map[Operation][3]speaker.CommandKind{
	OpInstall:   {speaker.KindInstallIngressSegment, speaker.KindInstallTransitSegment, speaker.KindInstallEgressSegment},
	OpRemove:    {speaker.KindRemoveIngressSegment, speaker.KindRemoveTransitSegment, speaker.KindRemoveEgressSegment},
	OpReinstall: {speaker.KindReinstallIngressSegment, speaker.KindReinstallTransitSegment, speaker.KindReinstallEgressSegment},
}

// Command is one configuration instruction addressed to one switch.
// Its identity is ID; re-sending a command re-sends the same ID.
type Command struct {
	ID       string
	SwitchID model.SwitchID
	FlowID   string
	Cookie   model.Cookie
	Kind     speaker.CommandKind
	Payload  json.RawMessage
}

// Request renders the command as a speaker request.
func (c Command) Request() speaker.Request {
	return speaker.Request{
		CommandID: c.ID,
		SwitchID:  c.SwitchID,
		FlowID:    c.FlowID,
		Cookie:    c.Cookie,
		Kind:      c.Kind,
		Payload:   c.Payload,
	}
}
