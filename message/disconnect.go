package message

type DisconnectReason uint8

const (
	DisconnectReasonInvalid   DisconnectReason = 0
	DisconnectReasonShutdown  DisconnectReason = 1
	DisconnectReasonRejected  DisconnectReason = 2
	DisconnectReasonDuplicate DisconnectReason = 3
	DisconnectReasonEvicted   DisconnectReason = 4
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectReasonInvalid:
		return "Invalid Reason"
	case DisconnectReasonShutdown:
		return "Shutdown"
	case DisconnectReasonRejected:
		return "Rejected"
	case DisconnectReasonDuplicate:
		return "Duplicate"
	case DisconnectReasonEvicted:
		return "Evicted"
	default:
		return "Unknown Reason"
	}
}

type Disconnect struct {
	Reason DisconnectReason `json:"reason"`
	Detail string           `json:"detail,omitempty" msgpack:",omitempty"`
}
