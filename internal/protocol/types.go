package protocol

// Opcode is the 16-bit packet type field.
type Opcode uint16

const (
	OpNoop  Opcode = 0 // unused on the wire
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpData  Opcode = 3
	OpAck   Opcode = 4
	OpError Opcode = 5
)

func (o Opcode) String() string {
	switch o {
	case OpNoop:
		return "NOOP"
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpData:
		return "DATA"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode is the code carried by an ERROR packet (RFC 1350).
type ErrorCode uint16

const (
	ErrCodeUndefined        ErrorCode = 0
	ErrCodeFileNotFound     ErrorCode = 1
	ErrCodeAccessViolation  ErrorCode = 2
	ErrCodeDiskFull         ErrorCode = 3
	ErrCodeIllegalOperation ErrorCode = 4
	ErrCodeUnknownTID       ErrorCode = 5
	ErrCodeFileExists       ErrorCode = 6
	ErrCodeNoSuchUser       ErrorCode = 7
)

var errorCodeText = map[ErrorCode]string{
	ErrCodeUndefined:        "Not defined",
	ErrCodeFileNotFound:     "File not found",
	ErrCodeAccessViolation:  "Access violation",
	ErrCodeDiskFull:         "Disk full or allocation exceeded",
	ErrCodeIllegalOperation: "Illegal TFTP operation",
	ErrCodeUnknownTID:       "Unknown transfer ID",
	ErrCodeFileExists:       "File already exists",
	ErrCodeNoSuchUser:       "No such user",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeText[c]; ok {
		return s
	}
	return "Unknown error"
}

const (
	// BlockSize is the maximum DATA payload. A shorter payload ends a transfer.
	BlockSize = 512

	// HeaderLen covers opcode + block number (DATA, ACK) or opcode + code (ERROR).
	HeaderLen = 4

	// MaxDataPacket is the largest well-formed DATA packet.
	MaxDataPacket = HeaderLen + BlockSize

	// ackLen includes the two reserved trailing bytes.
	ackLen = 6

	ModeOctet = "octet"
)

// Packet is one decoded wire packet: ReadRequest, WriteRequest, Data, Ack or
// ErrorPacket.
type Packet interface {
	Opcode() Opcode
}

type ReadRequest struct {
	Filename string
	Mode     string
}

type WriteRequest struct {
	Filename string
	Mode     string
}

// Data carries one block of file payload. Payload aliases the decoded buffer.
type Data struct {
	Block   uint16
	Payload []byte
}

type Ack struct {
	Block uint16
}

type ErrorPacket struct {
	Code    ErrorCode
	Message string
}

func (ReadRequest) Opcode() Opcode  { return OpRRQ }
func (WriteRequest) Opcode() Opcode { return OpWRQ }
func (Data) Opcode() Opcode         { return OpData }
func (Ack) Opcode() Opcode          { return OpAck }
func (ErrorPacket) Opcode() Opcode  { return OpError }

// Final reports whether d ends a transfer.
func (d Data) Final() bool { return len(d.Payload) < BlockSize }
