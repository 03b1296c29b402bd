// Package speaker defines the request/response messages exchanged with
// switch agents. A command id is the only correlation key between a
// request and its response.
package speaker

import (
	"encoding/json"
	"fmt"

	"github.com/plaenen/flowhs/pkg/model"
)

// CommandKind names the hardware configuration a request performs.
type CommandKind string

const (
	KindInstallIngressSegment   CommandKind = "install-ingress-segment"
	KindInstallEgressSegment    CommandKind = "install-egress-segment"
	KindInstallTransitSegment   CommandKind = "install-transit-segment"
	KindRemoveIngressSegment    CommandKind = "remove-ingress-segment"
	KindRemoveEgressSegment     CommandKind = "remove-egress-segment"
	KindRemoveTransitSegment    CommandKind = "remove-transit-segment"
	KindReinstallIngressSegment CommandKind = "reinstall-ingress-segment"
	KindReinstallEgressSegment  CommandKind = "reinstall-egress-segment"
	KindReinstallTransitSegment CommandKind = "reinstall-transit-segment"
	KindInstallMeter            CommandKind = "install-meter"
	KindInstallGroup            CommandKind = "install-group"
)

// Request is sent to the agent of SwitchID.
type Request struct {
	CommandID string          `json:"command_id"`
	SwitchID  model.SwitchID  `json:"switch_id"`
	FlowID    string          `json:"flow_id"`
	Cookie    model.Cookie    `json:"cookie"`
	Kind      CommandKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorCode classifies a failed command execution.
type ErrorCode string

const (
	ErrorCodeUnknown           ErrorCode = "UNKNOWN"
	ErrorCodeSwitchUnavailable ErrorCode = "SWITCH_UNAVAILABLE"
	ErrorCodeMissingOfFlows    ErrorCode = "MISSING_OF_FLOWS"
	ErrorCodeNotImplemented    ErrorCode = "NOT_IMPLEMENTED"
	ErrorCodeOperationTimedOut ErrorCode = "OPERATION_TIMED_OUT"
)

// ErrorDetail describes why an agent could not execute a command.
type ErrorDetail struct {
	Code        ErrorCode `json:"code"`
	Description string    `json:"description,omitempty"`
}

func (e ErrorDetail) String() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Response reports the outcome of one request. SwitchID is informational.
type Response struct {
	CommandID string         `json:"command_id"`
	SwitchID  model.SwitchID `json:"switch_id"`
	Success   bool           `json:"success"`
	Error     *ErrorDetail   `json:"error,omitempty"`
}

// NewSuccessResponse acknowledges a request.
func NewSuccessResponse(req Request) Response {
	return Response{CommandID: req.CommandID, SwitchID: req.SwitchID, Success: true}
}

// NewErrorResponse rejects a request with the given error.
func NewErrorResponse(req Request, code ErrorCode, description string) Response {
	return Response{
		CommandID: req.CommandID,
		SwitchID:  req.SwitchID,
		Error:     &ErrorDetail{Code: code, Description: description},
	}
}

// ErrorDetail returns the error of a failed response, or a generic one if
// the agent did not provide it.
func (r Response) ErrorDetail() ErrorDetail {
	if r.Error != nil {
		return *r.Error
	}
	return ErrorDetail{Code: ErrorCodeUnknown}
}
