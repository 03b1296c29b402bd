package orchestration

import (
	"context"

	"github.com/plaenen/flowhs/pkg/model"
	"github.com/plaenen/flowhs/pkg/speaker"
)

// Carrier delivers speaker commands and northbound results. Both sends are
// fire-and-forget: a nil error means the message was handed to the bus.
type Carrier interface {
	SendSpeakerRequest(ctx context.Context, req speaker.Request) error
	SendNorthboundResponse(ctx context.Context, result Result) error
}

// FlowRepository is the persistence the engine needs.
// GetFlow returns model.ErrFlowNotFound for an unknown flow.
type FlowRepository interface {
	GetFlow(ctx context.Context, flowID string) (*model.Flow, error)
	WithTransaction(ctx context.Context, fn func(tx FlowTx) error) error
}

// FlowTx is the view of the repository inside a transaction. Returned flows
// are copies; changes are persisted by SaveFlow.
type FlowTx interface {
	GetFlow(ctx context.Context, flowID string) (*model.Flow, error)
	SaveFlow(ctx context.Context, flow *model.Flow) error
	GetSwitch(ctx context.Context, switchID model.SwitchID) (model.Switch, error)
	AllocateMirrorGroupID(ctx context.Context, switchID model.SwitchID) (model.GroupID, error)
}

// FlowValidator checks a request against the current flow before the busy
// marker is set. Plain errors are reported as ErrorTypeDataInvalid.
type FlowValidator interface {
	Validate(ctx context.Context, tx FlowTx, flow *model.Flow, req Request) error
}

// FlowValidatorFunc adapts a function to FlowValidator.
type FlowValidatorFunc func(ctx context.Context, tx FlowTx, flow *model.Flow, req Request) error

// Validate implements FlowValidator.
func (f FlowValidatorFunc) Validate(ctx context.Context, tx FlowTx, flow *model.Flow, req Request) error {
	return f(ctx, tx, flow, req)
}

// RequestHandler accepts northbound requests.
type RequestHandler interface {
	Handle(ctx context.Context, req Request) error
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, req Request) error

// Handle implements RequestHandler.
func (f RequestHandlerFunc) Handle(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// RequestMiddleware wraps a RequestHandler.
type RequestMiddleware func(RequestHandler) RequestHandler
