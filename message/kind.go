package message

type Kind uint8

const (
	KindInvalid     Kind = 0
	KindHello       Kind = 1
	KindHelloAck    Kind = 2
	KindSyncData    Kind = 3
	KindSyncAck     Kind = 4
	KindDataPackage Kind = 5
	KindDataAck     Kind = 6
	KindHeartbeat   Kind = 7
	KindDisconnect  Kind = 8
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "Invalid Kind"
	case KindHello:
		return "Hello"
	case KindHelloAck:
		return "HelloAck"
	case KindSyncData:
		return "SyncData"
	case KindSyncAck:
		return "SyncAck"
	case KindDataPackage:
		return "DataPackage"
	case KindDataAck:
		return "DataAck"
	case KindHeartbeat:
		return "Heartbeat"
	case KindDisconnect:
		return "Disconnect"
	default:
		return "Unknown Kind"
	}
}

func (k Kind) Valid() bool {
	return k >= KindHello && k <= KindDisconnect
}

// HasChecksum reports whether frames of this kind carry a trailing CRC,
// which is the case for user data transfers only.
func (k Kind) HasChecksum() bool {
	return k == KindDataPackage
}
