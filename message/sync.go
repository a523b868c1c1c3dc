package message

type SyncData struct {
	FrameNumber uint64 `json:"frame_number"`
	Blob        []byte `json:"blob"`
}

type SyncAck struct {
	FrameNumber uint64 `json:"frame_number"`
}
