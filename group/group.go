package group

// Group tags timers scheduled on the arbiter so they can be released together.
type Group uint8

const (
	GroupInvalid       Group = 0
	GroupReconnectSync Group = 1
	GroupReconnectData Group = 2
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "Invalid Group"
	case GroupReconnectSync:
		return "Reconnect Sync"
	case GroupReconnectData:
		return "Reconnect Data"
	default:
		return "Unknown Group"
	}
}
