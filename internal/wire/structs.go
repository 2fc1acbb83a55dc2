package wire

import (
	"encoding/binary"
	"unsafe"
)

// Byte sizes of the structs below, matching their compile-time size
// assertions; named so callers sizing a WRITE_READ buffer don't repeat
// the magic numbers.
const (
	TransactionDataSize       = 64
	TransactionDataSecctxSize = 72
	WriteReadSize             = 48
	ExtendedErrorSize         = 12
)

// TransactionData is the fixed C-ABI transaction descriptor written
// into a read buffer after BR_TRANSACTION/BR_REPLY, laid out to match
// the Android binder uapi's struct binder_transaction_data.
type TransactionData struct {
	Handle      uint64 // target union: handle on submit, node ptr on delivery
	Cookie      uint64 // target node's cookie on delivery
	Code        uint32
	Flags       uint32
	SenderPID   int32
	SenderEUID  uint32
	DataSize    uint64
	OffsetsSize uint64
	DataBuffer  uint64 // address in the receiver's mapped arena
	OffsetsPtr  uint64
}

var _ [64]byte = [unsafe.Sizeof(TransactionData{})]byte{}

// TransactionDataSecctx extends TransactionData with a trailing pointer
// to a security-context buffer, emitted instead of TransactionData when the
// target node carries FLAT_BINDER_FLAG_TXN_SECURITY_CTX.
type TransactionDataSecctx struct {
	Data       TransactionData
	SecctxAddr uint64
}

var _ [72]byte = [unsafe.Sizeof(TransactionDataSecctx{})]byte{}

// WriteRead is the header for the WRITE_READ control operation.
type WriteRead struct {
	WriteSize     uint64
	WriteConsumed uint64
	WriteBuffer   uint64
	ReadSize      uint64
	ReadConsumed  uint64
	ReadBuffer    uint64
}

var _ [48]byte = [unsafe.Sizeof(WriteRead{})]byte{}

// ExtendedError is the per-thread error record surfaced by
// GET_EXTENDED_ERROR.
type ExtendedError struct {
	ID      uint32
	Command uint32
	Param   int32
}

var _ [12]byte = [unsafe.Sizeof(ExtendedError{})]byte{}

// FlatBinderObject describes an object embedded in a transaction
// payload's offsets array. Object translation itself is out of scope
// (spec §9 Open Questions); the struct exists so the hook point has a
// concrete shape.
type FlatBinderObject struct {
	Type    uint32
	Flags   uint32
	Handle  uint64
	Cookie  uint64
}

var _ [24]byte = [unsafe.Sizeof(FlatBinderObject{})]byte{}

// Encode marshals td into buf in wire order (little-endian), matching
// the struct's C-ABI layout. buf must be at least TransactionDataSize
// bytes.
func (td TransactionData) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], td.Handle)
	binary.LittleEndian.PutUint64(buf[8:], td.Cookie)
	binary.LittleEndian.PutUint32(buf[16:], td.Code)
	binary.LittleEndian.PutUint32(buf[20:], td.Flags)
	binary.LittleEndian.PutUint32(buf[24:], uint32(td.SenderPID))
	binary.LittleEndian.PutUint32(buf[28:], td.SenderEUID)
	binary.LittleEndian.PutUint64(buf[32:], td.DataSize)
	binary.LittleEndian.PutUint64(buf[40:], td.OffsetsSize)
	binary.LittleEndian.PutUint64(buf[48:], td.DataBuffer)
	binary.LittleEndian.PutUint64(buf[56:], td.OffsetsPtr)
}

// DecodeTransactionData unmarshals a TransactionData previously
// written by Encode. buf must be at least TransactionDataSize bytes.
func DecodeTransactionData(buf []byte) TransactionData {
	return TransactionData{
		Handle:      binary.LittleEndian.Uint64(buf[0:]),
		Cookie:      binary.LittleEndian.Uint64(buf[8:]),
		Code:        binary.LittleEndian.Uint32(buf[16:]),
		Flags:       binary.LittleEndian.Uint32(buf[20:]),
		SenderPID:   int32(binary.LittleEndian.Uint32(buf[24:])),
		SenderEUID:  binary.LittleEndian.Uint32(buf[28:]),
		DataSize:    binary.LittleEndian.Uint64(buf[32:]),
		OffsetsSize: binary.LittleEndian.Uint64(buf[40:]),
		DataBuffer:  binary.LittleEndian.Uint64(buf[48:]),
		OffsetsPtr:  binary.LittleEndian.Uint64(buf[56:]),
	}
}

// Encode marshals td with its secctx pointer suffix. buf must be at
// least TransactionDataSecctxSize bytes.
func (td TransactionDataSecctx) Encode(buf []byte) {
	td.Data.Encode(buf)
	binary.LittleEndian.PutUint64(buf[TransactionDataSize:], td.SecctxAddr)
}

// Encode marshals e into buf in wire order. buf must be at least
// ExtendedErrorSize bytes.
func (e ExtendedError) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], e.ID)
	binary.LittleEndian.PutUint32(buf[4:], e.Command)
	binary.LittleEndian.PutUint32(buf[8:], uint32(e.Param))
}
