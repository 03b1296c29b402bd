package command

import (
	"encoding/json"
	"fmt"

	"github.com/plaenen/flowhs/pkg/idgen"
	"github.com/plaenen/flowhs/pkg/model"
	"github.com/plaenen/flowhs/pkg/speaker"
	"github.com/shopspring/decimal"
)

// DefaultEncapsulationType is the encapsulation used between switches.
const DefaultEncapsulationType = "transit_vlan"

// Builder produces commands for a flow snapshot.
type Builder struct {
	newID         idgen.Generator
	burst         BurstPolicy
	encapsulation string
}

// Option configures a Builder.
type Option func(*Builder)

// WithIDGenerator sets the generator for command ids.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(b *Builder) {
		b.newID = gen
	}
}

// WithBurstPolicy sets how meter burst sizes are derived from bandwidth.
func WithBurstPolicy(policy BurstPolicy) Option {
	return func(b *Builder) {
		b.burst = policy
	}
}

// WithEncapsulationType sets the encapsulation type put in every payload.
func WithEncapsulationType(encapsulation string) Option {
	return func(b *Builder) {
		b.encapsulation = encapsulation
	}
}

// NewBuilder creates a Builder. Command ids default to random UUIDs.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		newID:         idgen.NewCommandID,
		burst:         DefaultBurstPolicy(),
		encapsulation: DefaultEncapsulationType,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SelectPaths returns the path a mirror direction refers to and its opposite.
func (b *Builder) SelectPaths(flow *model.Flow, direction model.MirrorDirection) (path, opposite *model.FlowPath, err error) {
	switch direction {
	case model.DirectionForward:
		path, opposite = flow.ForwardPath(), flow.ReversePath()
	case model.DirectionReverse:
		path, opposite = flow.ReversePath(), flow.ForwardPath()
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedDirection, direction)
	}
	if path == nil {
		return nil, nil, fmt.Errorf("%w: flow %s has no %s path", model.ErrPathNotFound, flow.FlowID, direction)
	}
	return path, opposite, nil
}

// BuildMirrorPointCommands returns the commands reprogramming the rules a
// mirror point on mirrorSwitch hooks into. A mirror on the path's source
// switch needs the ingress rule only, one on its destination switch the
// egress rule only. Any other switch needs no command at all.
func (b *Builder) BuildMirrorPointCommands(op Operation, flow *model.Flow, mirrorSwitch model.SwitchID, direction model.MirrorDirection) ([]Command, error) {
	path, opposite, err := b.SelectPaths(flow, direction)
	if err != nil {
		return nil, err
	}

	switch mirrorSwitch {
	case path.SrcSwitchID:
		return b.BuildIngressOnlyOneDirection(op, flow, path, opposite)
	case path.DestSwitchID:
		return b.BuildEgressOnlyOneDirection(op, flow, path, opposite)
	default:
		return nil, nil
	}
}

// BuildIngressOnlyOneDirection builds the ingress rule of path.
func (b *Builder) BuildIngressOnlyOneDirection(op Operation, flow *model.Flow, path, opposite *model.FlowPath) ([]Command, error) {
	cmd, err := b.ingress(op, flow, path, opposite)
	if err != nil {
		return nil, err
	}
	return []Command{cmd}, nil
}

// BuildEgressOnlyOneDirection builds the egress rule of path.
func (b *Builder) BuildEgressOnlyOneDirection(op Operation, flow *model.Flow, path, opposite *model.FlowPath) ([]Command, error) {
	cmd, err := b.egress(op, flow, path)
	if err != nil {
		return nil, err
	}
	return []Command{cmd}, nil
}

// BuildAll builds every rule of both flow paths: ingress, transit and
// egress, in segment order.
func (b *Builder) BuildAll(op Operation, flow *model.Flow) ([]Command, error) {
	forward, reverse := flow.ForwardPath(), flow.ReversePath()
	if forward == nil || reverse == nil {
		return nil, fmt.Errorf("%w: flow %s is missing a path", model.ErrPathNotFound, flow.FlowID)
	}

	var commands []Command
	for _, pair := range [][2]*model.FlowPath{{forward, reverse}, {reverse, forward}} {
		path, opposite := pair[0], pair[1]

		cmd, err := b.ingress(op, flow, path, opposite)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)

		if path.IsSingleSwitch() {
			continue
		}

		segments := path.Segments()
		for i := 1; i < len(segments); i++ {
			cmd, err := b.transit(op, flow, path, segments[i-1], segments[i])
			if err != nil {
				return nil, err
			}
			commands = append(commands, cmd)
		}

		cmd, err = b.egress(op, flow, path)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

func (b *Builder) ingress(op Operation, flow *model.Flow, path, opposite *model.FlowPath) (Command, error) {
	endpoint, exit := flow.PathEndpoints(path)

	outPort := islPortOut(path)
	if path.IsSingleSwitch() {
		outPort = exit.Port
	}

	payload := speaker.IngressSegmentPayload{
		Endpoint:      endpoint,
		IslPort:       outPort,
		Encapsulation: b.encapsulationOf(path),
		Meter:         b.meter(path),
		Mirror:        mirrorConfig(flow, path.PathID, path.SrcSwitchID, outPort),
	}
	if opposite != nil {
		payload.ReturnPathCookie = opposite.Cookie
	}
	return b.newCommand(op, roleIngress, flow, path, path.SrcSwitchID, payload)
}

func (b *Builder) egress(op Operation, flow *model.Flow, path *model.FlowPath) (Command, error) {
	ingressEndpoint, endpoint := flow.PathEndpoints(path)

	payload := speaker.EgressSegmentPayload{
		Endpoint:        endpoint,
		IngressEndpoint: ingressEndpoint,
		IslPort:         islPortIn(path),
		Encapsulation:   b.encapsulationOf(path),
		Mirror:          mirrorConfig(flow, path.PathID, path.DestSwitchID, endpoint.Port),
	}
	return b.newCommand(op, roleEgress, flow, path, path.DestSwitchID, payload)
}

func (b *Builder) transit(op Operation, flow *model.Flow, path *model.FlowPath, in, out model.PathSegment) (Command, error) {
	payload := speaker.TransitSegmentPayload{
		IngressIslPort: in.DestPort,
		EgressIslPort:  out.SrcPort,
		Encapsulation:  b.encapsulationOf(path),
	}
	return b.newCommand(op, roleTransit, flow, path, out.SrcSwitchID, payload)
}

func (b *Builder) newCommand(op Operation, r role, flow *model.Flow, path *model.FlowPath, switchID model.SwitchID, payload any) (Command, error) {
	byRole, ok := kinds[op]
	if !ok {
		return Command{}, fmt.Errorf("unsupported operation %q", op)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("failed to marshal %s payload: %w", byRole[r], err)
	}
	return Command{
		ID:       b.newID(),
		SwitchID: switchID,
		FlowID:   flow.FlowID,
		Cookie:   path.Cookie,
		Kind:     byRole[r],
		Payload:  data,
	}, nil
}

func (b *Builder) encapsulationOf(path *model.FlowPath) speaker.Encapsulation {
	return speaker.Encapsulation{Type: b.encapsulation, ID: path.EncapsulationID}
}

func (b *Builder) meter(path *model.FlowPath) *speaker.MeterConfig {
	if path.IgnoreBandwidth() || path.Bandwidth() <= 0 || path.MeterID == 0 {
		return nil
	}
	return &speaker.MeterConfig{
		MeterID:   path.MeterID,
		Bandwidth: path.Bandwidth(),
		BurstSize: b.burst.BurstSize(path.Bandwidth()),
	}
}

// mirrorConfig collects every mirror path hooked on switchID for pathID.
func mirrorConfig(flow *model.Flow, pathID model.PathID, switchID model.SwitchID, mainPort int) *model.MirrorConfig {
	points, ok := flow.MirrorPoints(pathID, switchID)
	if !ok || points.IsEmpty() {
		return nil
	}

	config := &model.MirrorConfig{GroupID: points.MirrorGroupID, MainPort: mainPort}
	for _, mirror := range points.Paths() {
		port := mirror.DestPort
		if !mirror.IsSingleSwitch() {
			if segments := mirror.Segments(); len(segments) > 0 {
				port = segments[0].SrcPort
			}
		}
		config.Targets = append(config.Targets, model.MirrorConfigData{MirrorPort: port, MirrorVlan: mirror.DestVlan})
	}
	return config
}

func islPortOut(path *model.FlowPath) int {
	segments := path.Segments()
	if len(segments) == 0 {
		return 0
	}
	return segments[0].SrcPort
}

func islPortIn(path *model.FlowPath) int {
	segments := path.Segments()
	if len(segments) == 0 {
		return 0
	}
	return segments[len(segments)-1].DestPort
}

// BurstPolicy derives a meter burst size from a bandwidth.
type BurstPolicy struct {
	Coefficient decimal.Decimal
	MinBurst    int64
}

// DefaultBurstPolicy allows bursts of 105% of the bandwidth, at least 1024 kbits.
func DefaultBurstPolicy() BurstPolicy {
	return BurstPolicy{Coefficient: decimal.RequireFromString("1.05"), MinBurst: 1024}
}

// BurstSize returns ceil(bandwidth * coefficient), floored at MinBurst.
func (p BurstPolicy) BurstSize(bandwidth int64) int64 {
	burst := decimal.NewFromInt(bandwidth).Mul(p.Coefficient).Ceil().IntPart()
	if burst < p.MinBurst {
		return p.MinBurst
	}
	return burst
}
