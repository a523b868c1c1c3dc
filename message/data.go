package message

type DataPackage struct {
	PackageID int32  `json:"package_id"`
	Seq       uint32 `json:"seq"`
	TotalSeq  uint32 `json:"total_seq"`
	Chunk     []byte `json:"chunk"`
}

type DataAck struct {
	PackageID int32 `json:"package_id"`
}
