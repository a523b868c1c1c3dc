package message

type Channel uint8

const (
	ChannelInvalid Channel = 0
	ChannelSync    Channel = 1
	ChannelData    Channel = 2
)

func (c Channel) String() string {
	switch c {
	case ChannelInvalid:
		return "Invalid Channel"
	case ChannelSync:
		return "Sync"
	case ChannelData:
		return "Data"
	default:
		return "Unknown Channel"
	}
}

type Hello struct {
	NodeIndex int     `json:"node_index"`
	Session   string  `json:"session"`
	Channel   Channel `json:"channel"`
}

type HelloAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty" msgpack:",omitempty"`
	Session  string `json:"session"`

	// last frame published by the master, clients rebase their sync channel on it
	FrameNumber uint64 `json:"frame_number"`
}
