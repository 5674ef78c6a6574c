package byteorder

import (
	"encoding/binary"
)

// rcon puts every integer on the wire in little-endian order, which happens
// to match host order on everything the game server runs on, but we don't
// rely on that.
//
// decrypt names:
// h  = host
// le = little-endian (wire)
// l  = long = 32 bit

// buf must hold at least 4 bytes.
func PutHtolel(buf []byte, val uint32) {
	binary.LittleEndian.PutUint32(buf, val)
}

func Letohl(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}
