package econn

// State is the signaling state of one Econn, per the transition table
// in the component design.
type State int

const (
	StateIdle State = iota
	StatePendingOutgoing
	StatePendingIncoming
	StateConflictResolution
	StateAnswered
	StateDataChanEstablished
	StateHangupSent
	StateHangupRecv
	StateUpdateSent
	StateUpdateRecv
	StateTerminating
)

var stateName = [...]string{
	StateIdle:                "idle",
	StatePendingOutgoing:     "pending-outgoing",
	StatePendingIncoming:     "pending-incoming",
	StateConflictResolution:  "conflict-resolution",
	StateAnswered:            "answered",
	StateDataChanEstablished: "datachan-established",
	StateHangupSent:          "hangup-sent",
	StateHangupRecv:          "hangup-recv",
	StateUpdateSent:          "update-sent",
	StateUpdateRecv:          "update-recv",
	StateTerminating:         "terminating",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateName) {
		return stateName[s]
	}
	return "unknown"
}

// Dir is the direction of the call this Econn represents.
type Dir int

const (
	DirUnknown Dir = iota
	DirOutgoing
	DirIncoming
)

func (d Dir) String() string {
	switch d {
	case DirOutgoing:
		return "outgoing"
	case DirIncoming:
		return "incoming"
	default:
		return "unknown"
	}
}
