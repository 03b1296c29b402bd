package orchestration

// State is a stage of an operation.
type State int

const (
	StateValidating State = iota
	StateBuildingCommands
	StateDispatching
	StateAwaitingResponses
	StateSucceeded
	StateFailed
	StateFinished
)

var stateNames = [...]string{
	StateValidating:        "Validating",
	StateBuildingCommands:  "BuildingCommands",
	StateDispatching:       "Dispatching",
	StateAwaitingResponses: "AwaitingResponses",
	StateSucceeded:         "Succeeded",
	StateFailed:            "Failed",
	StateFinished:          "Finished",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// IsTerminal reports whether the outcome of the operation is decided.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateFinished
}

// Event drives an instance from one state to the next.
type Event int

const (
	eventNone Event = iota
	EventNext
	EventValidated
	EventCommandsBuilt
	EventNoCommands
	EventDispatched
	EventResponse
	EventTimeout
	EventAllSucceeded
	EventFailed
	EventError
	EventFinish
)

var eventNames = [...]string{
	eventNone:          "None",
	EventNext:          "Next",
	EventValidated:     "Validated",
	EventCommandsBuilt: "CommandsBuilt",
	EventNoCommands:    "NoCommands",
	EventDispatched:    "Dispatched",
	EventResponse:      "Response",
	EventTimeout:       "Timeout",
	EventAllSucceeded:  "AllSucceeded",
	EventFailed:        "Failed",
	EventError:         "Error",
	EventFinish:        "Finish",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "Unknown"
}

// action runs on entering the target state of a transition. The returned
// event, unless eventNone, is fired right after.
type action func(in *Instance, ec *eventContext) Event

type transition struct {
	to     State
	action action
}

var transitions = map[State]map[Event]transition{
	StateValidating: {
		EventNext:      {to: StateValidating, action: (*Instance).validate},
		EventValidated: {to: StateBuildingCommands, action: (*Instance).buildCommands},
		EventError:     {to: StateFailed, action: (*Instance).onFailed},
	},
	StateBuildingCommands: {
		EventCommandsBuilt: {to: StateDispatching, action: (*Instance).dispatch},
		EventNoCommands:    {to: StateSucceeded, action: (*Instance).onSucceeded},
		EventError:         {to: StateFailed, action: (*Instance).onFailed},
	},
	StateDispatching: {
		EventDispatched: {to: StateAwaitingResponses, action: (*Instance).settle},
		EventError:      {to: StateFailed, action: (*Instance).onFailed},
	},
	StateAwaitingResponses: {
		EventResponse:     {to: StateAwaitingResponses, action: (*Instance).handleResponse},
		EventTimeout:      {to: StateAwaitingResponses, action: (*Instance).expire},
		EventAllSucceeded: {to: StateSucceeded, action: (*Instance).onSucceeded},
		EventFailed:       {to: StateFailed, action: (*Instance).onFailed},
	},
	StateSucceeded: {
		EventFinish: {to: StateFinished, action: (*Instance).finish},
	},
	StateFailed: {
		EventFinish: {to: StateFinished, action: (*Instance).finish},
	},
}
