package orchestration

import (
	"github.com/plaenen/flowhs/pkg/model"
)

// RequestKind names the flow change a request asks for.
type RequestKind string

const (
	KindCreateMirrorPoint RequestKind = "create_mirror_point"
	KindDeleteMirrorPoint RequestKind = "delete_mirror_point"
	KindReinstallFlow     RequestKind = "reinstall_flow"
)

// Request is a northbound flow change request.
type Request struct {
	RequestID     string                      `json:"request_id" valid:"required"`
	Kind          RequestKind                 `json:"kind" valid:"required,in(create_mirror_point|delete_mirror_point|reinstall_flow)"`
	FlowID        string                      `json:"flow_id" valid:"required"`
	MirrorPoint   *model.RequestedMirrorPoint `json:"mirror_point,omitempty"`
	MirrorPointID string                      `json:"mirror_point_id,omitempty"`
}

// Classification is the outcome category of an operation.
type Classification string

const (
	ClassificationSucceeded Classification = "SUCCEEDED"
	ClassificationFailed    Classification = "FAILED"
	ClassificationRejected  Classification = "REJECTED"
)

// Result is the single northbound outcome of an operation.
type Result struct {
	RequestID      string         `json:"request_id"`
	FlowID         string         `json:"flow_id"`
	Kind           RequestKind    `json:"kind"`
	Classification Classification `json:"classification"`
	ErrorType      ErrorType      `json:"error_type,omitempty"`
	Message        string         `json:"message,omitempty"`
	FailedCommands int            `json:"failed_commands,omitempty"`

	FailedCommandIDs []string `json:"failed_command_ids,omitempty"`
}

// Succeeded reports whether the change was applied.
func (r Result) Succeeded() bool {
	return r.Classification == ClassificationSucceeded
}

func resultFor(req Request) Result {
	return Result{RequestID: req.RequestID, FlowID: req.FlowID, Kind: req.Kind}
}
