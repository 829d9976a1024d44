// SPDX-License-Identifier: MIT

package intensity

import "errors"

// Packet decode errors. decode never panics; callers test the returned
// error and increment the appropriate event counter instead of treating
// this as fatal (see events.PacketBad).
var (
	errPacketTooShort       = errors.New("intensity: packet shorter than header")
	errPacketTooLarge       = errors.New("intensity: packet exceeds max udp packet size")
	errBadProtocolVersion   = errors.New("intensity: unsupported protocol version")
	errNtsampNotPow2        = errors.New("intensity: ntsamp is not a power of two")
	errZeroFpgaCountsPerSample = errors.New("intensity: fpga_counts_per_sample is zero")
	errFpgaCountMisaligned  = errors.New("intensity: fpga_count is not a multiple of fpga_counts_per_sample*ntsamp")
	errSizeMismatch         = errors.New("intensity: packet size does not match header fields")
	errDataNbytesMismatch   = errors.New("intensity: data_nbytes does not match declared dimensions")
	errFreqIDOutOfRange     = errors.New("intensity: coarse frequency id out of range")
)
