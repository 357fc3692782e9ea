package model

// WireAttackVector is the on-the-wire shape of one upstream attack-vector
// record (spec.md section 6). Decoding the Avro-encoded batch envelope
// itself is out of scope here -- the broker/Avro collaborator is external
// (see spec.md section 1) -- so WireAttackVector is what a caller-supplied
// VectorDecoder is expected to produce per element of a decoded batch.
type WireAttackVector struct {
	TargetIP          uint32 `json:"target_ip"`
	StartTimeSec      int64  `json:"start_time_sec"`
	StartTimeUsec     int64  `json:"start_time_usec"`
	LatestTimeSec     int64  `json:"latest_time_sec"`
	LatestTimeUsec    int64  `json:"latest_time_usec"`
	BinTimestamp      int64  `json:"bin_timestamp"`
	InitialPacketLen  int64  `json:"initial_packet_len"`
	TargetProtocol    int64  `json:"target_protocol"`
	AttackerIPCnt     int64  `json:"attacker_ip_cnt"`
	AttackPortCnt     int64  `json:"attack_port_cnt"`
	TargetPortCnt     int64  `json:"target_port_cnt"`
	PacketCnt         int64  `json:"packet_cnt"`
	ICMPMismatches    int64  `json:"icmp_mismatches"`
	ByteCnt           int64  `json:"byte_cnt"`
	MaxPPMInterval    int64  `json:"max_ppm_interval"`
}

// VectorDecoder decodes one upstream batch message into its constituent
// wire-format attack vectors. cmd/rsdos-crawler wires in internal/decode's
// JSON-backed decoder; no Avro decoder is included in this module.
type VectorDecoder interface {
	Decode(batch []byte) ([]WireAttackVector, error)
}

// VectorKey is the composite de-duplication key for an AttackVector within
// an Attack's attack_vectors set.
type VectorKey struct {
	StartTime Time
	LatestTime Time
}

// AttackVector is one telescope-observed event describing a portion of an
// attack. It is immutable once produced upstream.
type AttackVector struct {
	TargetIP         string `json:"target_ip"`
	StartTime        Time   `json:"start_time"`
	LatestTime       Time   `json:"latest_time"`
	BinTime          Time   `json:"bin_time"`
	AttackerIPCnt    int64  `json:"attacker_ip_cnt"`
	AttackPortCnt    int64  `json:"attack_port_cnt"`
	TargetPortCnt    int64  `json:"target_port_cnt"`
	PacketCnt        int64  `json:"packet_cnt"`
	ByteCnt          int64  `json:"byte_cnt"`
	InitialPacketLen int64  `json:"initial_packet_len"`
	TargetProtocol   int64  `json:"target_protocol"`
	ICMPMismatches   int64  `json:"icmp_mismatches"`
	MaxPPMInterval   int64  `json:"max_ppm_interval"`
}

// Key returns the composite de-duplication key of this vector.
func (v AttackVector) Key() VectorKey {
	return VectorKey{StartTime: v.StartTime, LatestTime: v.LatestTime}
}

// NormalizeVector converts a decoded wire record into the domain
// AttackVector: the 32-bit target_ip becomes a dotted IPv4 string, and the
// (seconds, microseconds) pairs become combined UTC Times.
func NormalizeVector(w WireAttackVector) AttackVector {
	return AttackVector{
		TargetIP:         ip2dotted(w.TargetIP),
		StartTime:        secUsecToTime(w.StartTimeSec, w.StartTimeUsec),
		LatestTime:       secUsecToTime(w.LatestTimeSec, w.LatestTimeUsec),
		BinTime:          secUsecToTime(w.BinTimestamp, 0),
		AttackerIPCnt:    w.AttackerIPCnt,
		AttackPortCnt:    w.AttackPortCnt,
		TargetPortCnt:    w.TargetPortCnt,
		PacketCnt:        w.PacketCnt,
		ByteCnt:          w.ByteCnt,
		InitialPacketLen: w.InitialPacketLen,
		TargetProtocol:   w.TargetProtocol,
		ICMPMismatches:   w.ICMPMismatches,
		MaxPPMInterval:   w.MaxPPMInterval,
	}
}
