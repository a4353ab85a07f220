package ring

import (
	"encoding/binary"
	"fmt"

	"relayd/pkg/types"
)

// Frame is one framed message: [4-byte length][1-byte type][payload].
type Frame struct {
	Type    types.MessageType
	Payload []byte
}

// putFrame encodes f into slot, which is exactly slotSize bytes.
// Callers have already bounds-checked the payload.
func putFrame(slot []byte, f Frame) {
	binary.LittleEndian.PutUint32(slot[0:4], uint32(len(f.Payload)))
	slot[4] = byte(f.Type)
	copy(slot[headerSize:], f.Payload)
}

// getFrame decodes the frame in slot, copying the payload into dst.
func getFrame(slot, dst []byte) (Frame, error) {
	length := int(binary.LittleEndian.Uint32(slot[0:4]))
	if length > len(slot)-headerSize {
		return Frame{}, fmt.Errorf("ring: frame length %d exceeds slot", length)
	}
	if length > len(dst) {
		return Frame{}, fmt.Errorf("ring: destination buffer too small for %d byte frame", length)
	}
	n := copy(dst, slot[headerSize:headerSize+length])
	return Frame{Type: types.MessageType(slot[4]), Payload: dst[:n]}, nil
}
