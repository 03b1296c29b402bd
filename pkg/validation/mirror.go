package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plaenen/flowhs/pkg/model"
	"github.com/plaenen/flowhs/pkg/orchestration"
)

// MirrorPointValidator validates mirror point create and delete requests.
// Other request kinds pass.
type MirrorPointValidator struct {
	logger *slog.Logger
}

// MirrorPointOption configures a MirrorPointValidator.
type MirrorPointOption func(*MirrorPointValidator)

// WithLogger sets the logger for rejected requests.
func WithLogger(logger *slog.Logger) MirrorPointOption {
	return func(v *MirrorPointValidator) {
		v.logger = logger
	}
}

// NewMirrorPointValidator creates the validator.
func NewMirrorPointValidator(opts ...MirrorPointOption) *MirrorPointValidator {
	v := &MirrorPointValidator{logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var _ orchestration.FlowValidator = (*MirrorPointValidator)(nil)

// Validate implements orchestration.FlowValidator.
func (v *MirrorPointValidator) Validate(ctx context.Context, tx orchestration.FlowTx, flow *model.Flow, req orchestration.Request) error {
	var (
		results Results
		err     error
	)
	switch req.Kind {
	case orchestration.KindCreateMirrorPoint:
		results, err = v.validateCreate(ctx, tx, flow, req.MirrorPoint)
	case orchestration.KindDeleteMirrorPoint:
		results = v.validateDelete(flow, req.MirrorPointID)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	if err := results.Err(); err != nil {
		v.logger.InfoContext(ctx, "Rejected mirror point request",
			slog.String("flow_id", flow.FlowID),
			slog.String("kind", string(req.Kind)),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (v *MirrorPointValidator) validateCreate(ctx context.Context, tx orchestration.FlowTx, flow *model.Flow, mp *model.RequestedMirrorPoint) (Results, error) {
	var results Results
	if mp == nil {
		results.Add(NewResult(false, "mirror_point", WithCode(CodeRequired), WithMessage("Mirror point is required")))
		return results, nil
	}

	results.Add(
		ValidateRequired("mirror_point_id", mp.MirrorPointID),
		ValidateDirection("mirror_point_direction", mp.Direction),
		ValidatePort("receiver_point_port", mp.ReceiverPort),
		ValidateVlan("receiver_point_vlan", mp.ReceiverVlan),
	)

	switches := []struct {
		field string
		id    model.SwitchID
	}{
		{"mirror_point_switch_id", mp.MirrorSwitchID},
		{"receiver_point_switch_id", mp.ReceiverSwitch},
	}
	for _, sw := range switches {
		result, err := checkSwitch(ctx, tx, sw.field, sw.id)
		if err != nil {
			return nil, err
		}
		results.Add(result)
	}

	receiver := mp.Receiver()
	for _, endpoint := range []model.FlowEndpoint{flow.Source, flow.Destination} {
		if endpoint.SwitchID == receiver.SwitchID && endpoint.Port == receiver.Port {
			results.Add(NewResult(false, "receiver_point_port",
				WithValue(fmt.Sprintf("%s:%d", receiver.SwitchID, receiver.Port)),
				WithMessage(fmt.Sprintf("Receiver point %s:%d conflicts with an endpoint of flow %s",
					receiver.SwitchID, receiver.Port, flow.FlowID)),
			))
		}
	}

	id := model.PathID(mp.MirrorPointID)
	if _, _, exists := flow.FindMirrorPath(id); exists {
		results.Add(duplicate(id))
	} else if _, exists := flow.Path(id); exists {
		results.Add(duplicate(id))
	}

	return results, nil
}

func duplicate(id model.PathID) *Result {
	return NewResult(false, "mirror_point_id",
		WithValue(string(id)),
		WithCode(CodeAlreadyExists),
		WithMessage(fmt.Sprintf("Path with id %s already exists", id)),
	)
}

func (v *MirrorPointValidator) validateDelete(flow *model.Flow, mirrorPointID string) Results {
	var results Results
	results.Add(ValidateRequired("mirror_point_id", mirrorPointID))
	if results.HasErrors() {
		return results
	}

	if _, _, ok := flow.FindMirrorPath(model.PathID(mirrorPointID)); !ok {
		results.Add(NewResult(false, "mirror_point_id",
			WithValue(mirrorPointID),
			WithCode(CodeNotFound),
			WithMessage(fmt.Sprintf("Flow mirror point %s not found", mirrorPointID)),
		))
	}
	return results
}

func checkSwitch(ctx context.Context, tx orchestration.FlowTx, field string, switchID model.SwitchID) (*Result, error) {
	if switchID == "" {
		return ValidateRequired(field, ""), nil
	}

	sw, err := tx.GetSwitch(ctx, switchID)
	if errors.Is(err, model.ErrSwitchNotFound) {
		return NewResult(false, field,
			WithValue(switchID.String()),
			WithCode(CodeNotFound),
			WithMessage(fmt.Sprintf("Switch %s not found", switchID)),
		), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load switch %s: %w", switchID, err)
	}

	if !sw.IsActive() {
		return NewResult(false, field,
			WithValue(switchID.String()),
			WithMessage(fmt.Sprintf("Switch %s is not active", switchID)),
		), nil
	}
	return valid(field), nil
}
