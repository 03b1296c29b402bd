package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/flowhs/pkg/command"
	"github.com/plaenen/flowhs/pkg/history"
	"github.com/plaenen/flowhs/pkg/idgen"
	"github.com/plaenen/flowhs/pkg/ledger"
	"github.com/plaenen/flowhs/pkg/model"
	"github.com/plaenen/flowhs/pkg/observability"
	"github.com/plaenen/flowhs/pkg/speaker"
)

// DefaultRetriesLimit is the number of error responses accepted per command
// when none is configured.
const DefaultRetriesLimit = 3

// Dependencies are the collaborators of an instance. Carrier and Repository
// are required.
type Dependencies struct {
	Carrier      Carrier
	Repository   FlowRepository
	Validator    FlowValidator
	Builder      *command.Builder
	History      history.Sink
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	RetriesLimit int
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Builder == nil {
		d.Builder = command.NewBuilder()
	}
	if d.History == nil {
		d.History = history.Nop
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.RetriesLimit < 1 {
		d.RetriesLimit = DefaultRetriesLimit
	}
	return d
}

type eventContext struct {
	ctx      context.Context
	response *speaker.Response
}

type detachedMirror struct {
	points *model.FlowMirrorPoints
	path   *model.FlowMirrorPath
}

// Instance is one in-flight flow operation. It owns its command ledger and
// processes events one at a time.
type Instance struct {
	mu sync.Mutex

	id     string
	req    Request
	deps   Dependencies
	logger *slog.Logger

	state    State
	ledger   *ledger.Ledger
	commands []command.Command

	prevStatus     model.FlowStatus
	busySet        bool
	mirrorAttached bool
	detached       *detachedMirror

	err       error
	result    *Result
	startedAt time.Time

	onDispatch func(in *Instance, commandID string)
	onFinish   func(in *Instance, commandIDs []string)
}

// NewInstance creates an instance in StateValidating. Nothing happens until
// Start is called.
func NewInstance(req Request, deps Dependencies) *Instance {
	deps = deps.withDefaults()
	id := idgen.MustGenerateSortableID()
	return &Instance{
		id:   id,
		req:  req,
		deps: deps,
		logger: deps.Logger.With(
			slog.String("flow_id", req.FlowID),
			slog.String("request_id", req.RequestID),
			slog.String("task_id", id),
			slog.String("kind", string(req.Kind)),
		),
		state:     StateValidating,
		ledger:    ledger.New(),
		startedAt: time.Now(),
	}
}

// ID returns the task id of the instance.
func (in *Instance) ID() string {
	return in.id
}

// Request returns the request the instance was created for.
func (in *Instance) Request() Request {
	return in.req
}

// State returns the current state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Result returns the outcome once the instance is finished.
func (in *Instance) Result() (Result, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.result == nil {
		return Result{}, false
	}
	return *in.result, true
}

// Err returns the error that drove the instance to StateFailed, if any.
func (in *Instance) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.err
}

// CommandIDs returns the ids of every dispatched command.
func (in *Instance) CommandIDs() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return commandIDs(in.commands)
}

// PendingCommandIDs returns the ids of commands awaiting a response.
func (in *Instance) PendingCommandIDs() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ledger.PendingIDs()
}

// FailedCommandIDs returns the ids of permanently failed commands.
func (in *Instance) FailedCommandIDs() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ledger.FailedIDs()
}

// RetryCount returns the error responses seen for a command.
func (in *Instance) RetryCount(commandID string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ledger.RetryCount(commandID)
}

// Start runs the operation up to the point where it waits for responses, or
// to its end when no response is needed.
func (in *Instance) Start(ctx context.Context) {
	in.Fire(ctx, EventNext)
}

// HandleResponse feeds a speaker response to the instance.
func (in *Instance) HandleResponse(ctx context.Context, resp speaker.Response) {
	in.fire(&eventContext{ctx: ctx, response: &resp}, EventResponse)
}

// Timeout permanently fails every command still pending.
func (in *Instance) Timeout(ctx context.Context) {
	in.Fire(ctx, EventTimeout)
}

// Fire processes event and every follow-up event it leads to. Events with no
// transition from the current state are logged and ignored.
func (in *Instance) Fire(ctx context.Context, event Event) {
	in.fire(&eventContext{ctx: ctx}, event)
}

func (in *Instance) fire(ec *eventContext, event Event) {
	in.mu.Lock()
	defer in.mu.Unlock()

	for event != eventNone {
		t, ok := transitions[in.state][event]
		if !ok {
			in.logger.WarnContext(ec.ctx, "Ignoring event",
				slog.String("state", in.state.String()),
				slog.String("event", event.String()),
			)
			if event == EventResponse {
				in.deps.Metrics.RecordUnsolicitedResponse(ec.ctx)
			}
			return
		}

		in.logger.DebugContext(ec.ctx, "State transition",
			slog.String("from", in.state.String()),
			slog.String("to", t.to.String()),
			slog.String("event", event.String()),
		)
		in.state = t.to

		event = eventNone
		if t.action != nil {
			event = t.action(in, ec)
		}
	}
}

func (in *Instance) validate(ec *eventContext) Event {
	ctx := ec.ctx
	if err := in.checkRequest(); err != nil {
		in.err = err
		return EventError
	}

	var prevStatus model.FlowStatus
	err := in.deps.Repository.WithTransaction(ctx, func(tx FlowTx) error {
		flow, err := tx.GetFlow(ctx, in.req.FlowID)
		if errors.Is(err, model.ErrFlowNotFound) {
			return &ValidationError{
				Type:    ErrorTypeNotFound,
				Message: fmt.Sprintf("Flow %s not found", in.req.FlowID),
				Err:     err,
			}
		}
		if err != nil {
			return fmt.Errorf("load flow %s: %w", in.req.FlowID, err)
		}

		if flow.IsBusy() {
			return &ValidationError{
				Type:    ErrorTypeRequestInvalid,
				Message: fmt.Sprintf("Flow %s is in progress", flow.FlowID),
				Err:     ErrFlowBusy,
			}
		}

		if in.req.Kind == KindDeleteMirrorPoint {
			if _, _, ok := flow.FindMirrorPath(model.PathID(in.req.MirrorPointID)); !ok {
				return NewValidationError(ErrorTypeNotFound, "Flow mirror point %s not found", in.req.MirrorPointID)
			}
		}

		if in.deps.Validator != nil {
			if err := in.deps.Validator.Validate(ctx, tx, flow, in.req); err != nil {
				return AsValidationError(err)
			}
		}

		prevStatus = flow.Status
		flow.Status = model.FlowStatusInProgress
		return tx.SaveFlow(ctx, flow)
	})
	if err != nil {
		in.err = err
		return EventError
	}

	in.prevStatus = prevStatus
	in.busySet = true
	return EventValidated
}

func (in *Instance) checkRequest() error {
	switch in.req.Kind {
	case KindCreateMirrorPoint:
		if in.req.MirrorPoint == nil {
			return NewValidationError(ErrorTypeRequestInvalid, "mirror point is required")
		}
		if in.req.MirrorPoint.FlowID != in.req.FlowID {
			return NewValidationError(ErrorTypeRequestInvalid,
				"mirror point belongs to flow %s, not %s", in.req.MirrorPoint.FlowID, in.req.FlowID)
		}
		mp := *in.req.MirrorPoint
		direction, err := model.ParseMirrorDirection(string(mp.Direction))
		if err != nil {
			return &ValidationError{
				Type:    ErrorTypeRequestInvalid,
				Message: fmt.Sprintf("Invalid mirror point direction %q", mp.Direction),
				Err:     err,
			}
		}
		mp.Direction = direction
		in.req.MirrorPoint = &mp
	case KindDeleteMirrorPoint:
		if in.req.MirrorPointID == "" {
			return NewValidationError(ErrorTypeRequestInvalid, "mirror point id is required")
		}
	case KindReinstallFlow:
	default:
		return &ValidationError{
			Type:    ErrorTypeRequestInvalid,
			Message: fmt.Sprintf("unknown request kind %q", in.req.Kind),
			Err:     ErrUnknownRequestKind,
		}
	}
	return nil
}

func (in *Instance) buildCommands(ec *eventContext) Event {
	ctx := ec.ctx

	var (
		commands []command.Command
		attached bool
		detached *detachedMirror
	)
	err := in.deps.Repository.WithTransaction(ctx, func(tx FlowTx) error {
		flow, err := tx.GetFlow(ctx, in.req.FlowID)
		if err != nil {
			return fmt.Errorf("load flow %s: %w", in.req.FlowID, err)
		}

		switch in.req.Kind {
		case KindCreateMirrorPoint:
			commands, err = in.attachMirrorPoint(ctx, tx, flow)
			attached = err == nil
		case KindDeleteMirrorPoint:
			commands, detached, err = in.detachMirrorPoint(ctx, tx, flow)
		case KindReinstallFlow:
			commands, err = in.deps.Builder.BuildAll(command.OpReinstall, flow)
		}
		return err
	})
	if err != nil {
		in.err = err
		return EventError
	}

	in.mirrorAttached = attached
	in.detached = detached
	in.commands = commands

	if len(commands) == 0 {
		in.record(ctx, "No need to re-install rules", "")
		return EventNoCommands
	}
	return EventCommandsBuilt
}

func (in *Instance) attachMirrorPoint(ctx context.Context, tx FlowTx, flow *model.Flow) ([]command.Command, error) {
	requested := in.req.MirrorPoint
	path, _, err := in.deps.Builder.SelectPaths(flow, requested.Direction)
	if err != nil {
		return nil, err
	}

	points, ok := flow.MirrorPoints(path.PathID, requested.MirrorSwitchID)
	if !ok {
		groupID, err := tx.AllocateMirrorGroupID(ctx, requested.MirrorSwitchID)
		if err != nil {
			return nil, fmt.Errorf("allocate mirror group on %s: %w", requested.MirrorSwitchID, err)
		}
		points = model.NewFlowMirrorPoints(requested.MirrorSwitchID, groupID, path.PathID)
		flow.AddMirrorPoints(points)
	}

	mirrorPath := model.NewFlowMirrorPath(model.PathID(requested.MirrorPointID), requested.MirrorSwitchID,
		requested.Receiver(), flow.Bandwidth, flow.IgnoreBandwidth)
	mirrorPath.Cookie = path.Cookie.WithMirror()
	points.AddPaths(mirrorPath)

	if err := tx.SaveFlow(ctx, flow); err != nil {
		return nil, err
	}
	return in.deps.Builder.BuildMirrorPointCommands(command.OpReinstall, flow, requested.MirrorSwitchID, requested.Direction)
}

func (in *Instance) detachMirrorPoint(ctx context.Context, tx FlowTx, flow *model.Flow) ([]command.Command, *detachedMirror, error) {
	mirrorPointID := model.PathID(in.req.MirrorPointID)
	points, mirrorPath, ok := flow.FindMirrorPath(mirrorPointID)
	if !ok {
		// Checked in validate; the busy marker keeps it from disappearing.
		return nil, nil, fmt.Errorf("flow mirror point %s vanished from flow %s", mirrorPointID, flow.FlowID)
	}

	direction := model.DirectionForward
	if points.FlowPathID == flow.ReversePathID {
		direction = model.DirectionReverse
	}
	detached := &detachedMirror{points: points.Clone(), path: mirrorPath.Clone()}

	points.RemovePath(mirrorPointID)
	if points.IsEmpty() {
		flow.RemoveMirrorPoints(points.FlowPathID, points.MirrorSwitchID)
	}
	if err := tx.SaveFlow(ctx, flow); err != nil {
		return nil, nil, err
	}

	commands, err := in.deps.Builder.BuildMirrorPointCommands(command.OpReinstall, flow, points.MirrorSwitchID, direction)
	if err != nil {
		return nil, nil, err
	}
	return commands, detached, nil
}

func (in *Instance) dispatch(ec *eventContext) Event {
	ctx := ec.ctx

	in.ledger.RecordDispatched(in.commands...)
	if in.onDispatch != nil {
		for _, cmd := range in.commands {
			in.onDispatch(in, cmd.ID)
		}
	}

	for _, cmd := range in.commands {
		if err := in.send(ctx, cmd, false); err != nil {
			in.resolveFailure(ctx, cmd.ID, sendFailure(err))
		}
	}

	in.record(ctx, "Commands for re-installing rules have been sent",
		fmt.Sprintf("%d commands", len(in.commands)))
	return EventDispatched
}

func (in *Instance) send(ctx context.Context, cmd command.Command, retry bool) error {
	in.deps.Metrics.RecordCommandDispatched(ctx, string(cmd.Kind), retry)
	if err := in.deps.Carrier.SendSpeakerRequest(ctx, cmd.Request()); err != nil {
		in.logger.ErrorContext(ctx, "Failed to send speaker request",
			slog.String("command_id", cmd.ID),
			slog.String("switch_id", cmd.SwitchID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func sendFailure(err error) speaker.ErrorDetail {
	return speaker.ErrorDetail{Code: speaker.ErrorCodeSwitchUnavailable, Description: err.Error()}
}

func (in *Instance) handleResponse(ec *eventContext) Event {
	ctx, resp := ec.ctx, ec.response
	if resp == nil {
		return eventNone
	}

	if resp.Success {
		if !in.ledger.ResolveSuccess(resp.CommandID) {
			in.unsolicited(ctx, *resp)
			return eventNone
		}
		in.record(ctx, "Rule was re-installed",
			fmt.Sprintf("Switch %s, command %s", resp.SwitchID, resp.CommandID))
	} else if !in.resolveFailure(ctx, resp.CommandID, resp.ErrorDetail()) {
		in.unsolicited(ctx, *resp)
		return eventNone
	}

	return in.settle(ec)
}

// resolveFailure applies the retry policy to a failed command. It reports
// false when the command was not pending.
func (in *Instance) resolveFailure(ctx context.Context, commandID string, detail speaker.ErrorDetail) bool {
	for {
		decision := in.ledger.ResolveFailure(commandID, detail, in.deps.RetriesLimit)
		cmd, _ := in.ledger.Command(commandID)

		switch decision {
		case ledger.Ignore:
			return false
		case ledger.Retry:
			attempt := in.ledger.RetryCount(commandID)
			in.logger.WarnContext(ctx, "Retrying speaker command",
				slog.String("command_id", commandID),
				slog.String("switch_id", cmd.SwitchID.String()),
				slog.Int("attempt", attempt),
				slog.String("error", detail.String()),
			)
			in.record(ctx, fmt.Sprintf("Retrying (attempt %d)", attempt),
				fmt.Sprintf("Switch %s, command %s: %s", cmd.SwitchID, commandID, detail))

			err := in.send(ctx, cmd, true)
			if err == nil {
				return true
			}
			detail = sendFailure(err)
		case ledger.GiveUp:
			in.deps.Metrics.RecordCommandFailed(ctx, string(cmd.Kind), string(detail.Code))
			in.record(ctx, "Failed to re-install rule, gave up",
				fmt.Sprintf("Switch %s, command %s: %s", cmd.SwitchID, commandID, detail))
			return true
		}
	}
}

func (in *Instance) unsolicited(ctx context.Context, resp speaker.Response) {
	in.deps.Metrics.RecordUnsolicitedResponse(ctx)
	in.logger.WarnContext(ctx, "Received response for unknown command",
		slog.String("command_id", resp.CommandID),
		slog.String("switch_id", resp.SwitchID.String()),
	)
}

func (in *Instance) expire(ec *eventContext) Event {
	ctx := ec.ctx
	detail := speaker.ErrorDetail{
		Code:        speaker.ErrorCodeOperationTimedOut,
		Description: "no response before the operation timed out",
	}

	for _, commandID := range in.ledger.ExpirePending(detail) {
		cmd, _ := in.ledger.Command(commandID)
		in.deps.Metrics.RecordCommandFailed(ctx, string(cmd.Kind), string(detail.Code))
		in.record(ctx, "Timed out waiting for rule installation",
			fmt.Sprintf("Switch %s, command %s", cmd.SwitchID, commandID))
	}
	return in.settle(ec)
}

// settle decides the outcome once no command is pending.
func (in *Instance) settle(_ *eventContext) Event {
	if !in.ledger.IsSettled() {
		return eventNone
	}
	if in.ledger.HasFailures() {
		in.err = NewOperationError(in.ledger.FailedIDs())
		return EventFailed
	}
	return EventAllSucceeded
}

func (in *Instance) onSucceeded(ec *eventContext) Event {
	in.logger.InfoContext(ec.ctx, "Flow operation succeeded")
	in.record(ec.ctx, "Flow operation completed", "")
	return EventFinish
}

func (in *Instance) onFailed(ec *eventContext) Event {
	in.logger.WarnContext(ec.ctx, "Flow operation failed", slog.String("error", in.err.Error()))
	in.record(ec.ctx, "Flow operation failed", in.err.Error())
	return EventFinish
}

func (in *Instance) finish(ec *eventContext) Event {
	ctx := ec.ctx
	succeeded := in.err == nil

	if in.busySet {
		if err := in.persistOutcome(ctx, succeeded); err != nil {
			in.logger.ErrorContext(ctx, "Failed to persist operation outcome", slog.String("error", err.Error()))
		}
	}

	result := in.classify()
	in.result = &result

	if err := in.deps.Carrier.SendNorthboundResponse(ctx, result); err != nil {
		in.logger.ErrorContext(ctx, "Failed to send northbound response", slog.String("error", err.Error()))
	}
	in.deps.Metrics.RecordOperationFinished(ctx, string(in.req.Kind), string(result.Classification), time.Since(in.startedAt))

	if in.onFinish != nil {
		in.onFinish(in, commandIDs(in.commands))
	}
	return eventNone
}

func (in *Instance) persistOutcome(ctx context.Context, succeeded bool) error {
	return in.deps.Repository.WithTransaction(ctx, func(tx FlowTx) error {
		flow, err := tx.GetFlow(ctx, in.req.FlowID)
		if err != nil {
			return err
		}

		switch {
		case in.mirrorAttached:
			mirrorPointID := model.PathID(in.req.MirrorPoint.MirrorPointID)
			if points, mirrorPath, ok := flow.FindMirrorPath(mirrorPointID); ok {
				if succeeded {
					mirrorPath.Status = model.PathStatusActive
				} else {
					points.RemovePath(mirrorPointID)
					if points.IsEmpty() {
						flow.RemoveMirrorPoints(points.FlowPathID, points.MirrorSwitchID)
					}
				}
			}
		case in.detached != nil && !succeeded:
			restored := in.detached.path.Clone()
			restored.Status = model.PathStatusInactive

			points, ok := flow.MirrorPoints(in.detached.points.FlowPathID, in.detached.points.MirrorSwitchID)
			if !ok {
				points = model.NewFlowMirrorPoints(in.detached.points.MirrorSwitchID,
					in.detached.points.MirrorGroupID, in.detached.points.FlowPathID)
				flow.AddMirrorPoints(points)
			}
			points.AddPaths(restored)
		}

		flow.Status = in.prevStatus
		return tx.SaveFlow(ctx, flow)
	})
}

func (in *Instance) classify() Result {
	result := resultFor(in.req)

	var (
		verr  *ValidationError
		operr *OperationError
	)
	switch {
	case in.err == nil:
		result.Classification = ClassificationSucceeded
	case errors.As(in.err, &verr):
		result.Classification = ClassificationRejected
		result.ErrorType = verr.Type
		result.Message = verr.Message
	case errors.As(in.err, &operr):
		result.Classification = ClassificationFailed
		result.Message = operr.Message
		result.FailedCommands = operr.FailedCommands
		result.FailedCommandIDs = operr.FailedCommandIDs
	default:
		result.Classification = ClassificationFailed
		result.Message = in.err.Error()
	}
	return result
}

func (in *Instance) record(ctx context.Context, action, details string) {
	entry := history.NewEntry(in.req.FlowID, in.id, action, details)
	in.deps.History.Record(ctx, entry)
}

func commandIDs(commands []command.Command) []string {
	ids := make([]string, len(commands))
	for i, cmd := range commands {
		ids[i] = cmd.ID
	}
	return ids
}
