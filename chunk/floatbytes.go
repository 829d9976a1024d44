// SPDX-License-Identifier: MIT

package chunk

import (
	"encoding/binary"
	"math"
)

func putFloat32(dst []byte, x float32) {
	binary.LittleEndian.PutUint32(dst, math.Float32bits(x))
}

func getFloat32(src []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(src))
}
