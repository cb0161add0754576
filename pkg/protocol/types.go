package protocol

// Packet types carried across the physical channels (A2R and R2A).
const (
	PktConnect         uint8 = 4
	PktConnectResponse uint8 = 5
	PktData            uint8 = 6
	PktEOS             uint8 = 7
	PktReset           uint8 = 8
)

// Valid statuses in a PktConnectResponse payload.
const (
	ConnectOK             uint8 = 0
	ConnectUnknownService uint8 = 3
)

// Message types spoken between the daemon and local clients.
const (
	MsgRegisterReq     uint8 = 1
	MsgRegisterRes     uint8 = 2
	MsgDeregisterReq   uint8 = 3
	MsgDeregisterRes   uint8 = 4
	MsgReadMemReq      uint8 = 5
	MsgReadMemRes      uint8 = 6
	MsgWriteMemReq     uint8 = 7
	MsgWriteMemRes     uint8 = 8
	MsgConnect         uint8 = 9
	MsgConnectResponse uint8 = 10
	MsgData            uint8 = 11
	MsgEOS             uint8 = 12
	MsgReset           uint8 = 13
)

// Result byte in register/deregister responses.
const (
	MsgFail    uint8 = 0
	MsgSuccess uint8 = 1
)

// Events signalled via IRQ from the remote peer.
const (
	REventA2RTail     uint8 = 1
	REventR2AHead     uint8 = 2
	REventBaseAddress uint8 = 4
)

// Events posted by the daemon to the remote peer.
const (
	AEventR2ATail uint8 = 1
	AEventA2RHead uint8 = 2
)

// CMEM register addresses.
const (
	REventsAddress uint8 = 12
	REnableAddress uint8 = 13
	AEventsAddress uint8 = 14
	AEnableAddress uint8 = 15
)

// Offsets of the queue pointers relative to the communication area base.
const (
	A2RTailOffset = 0
	R2AHeadOffset = 1
	R2ATailOffset = 2
	A2RHeadOffset = 3
)

// RingSize is the size of each of the two rings. One byte is reserved to
// distinguish an empty ring from a full one, so the usable capacity is 255.
const (
	RingSize     = 256
	RingCapacity = RingSize - 1
)
