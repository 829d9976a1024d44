// SPDX-License-Identifier: MIT

package chunk

import (
	"github.com/pierrec/lz4/v4"
)

// bitshuffleBlock is the element size (in bits) bitshuffle transposes
// across: our payload is always u8 samples, so a "block" is 8 consecutive
// bytes whose corresponding bit-planes get packed together. No Go package
// in the example corpus implements CHIME's bitshuffle filter (only LZ4 is
// attested — see DESIGN.md), so the transpose itself is hand-written here,
// grounded directly in spec.md §4.2/§6's "bit-shuffle+LZ4" description.
const bitshuffleBlock = 8

// bitshuffleEncode performs an 8x8 bit-matrix transpose over consecutive
// runs of 8 bytes: for each such run, bit-plane p of the 8 input bytes is
// packed into one output byte. Trailing bytes that don't fill a full run of
// 8 are copied through unshuffled, mirroring bitshuffle's own handling of a
// non-multiple-of-8 tail.
func bitshuffleEncode(data []byte) []byte {
	n := len(data)
	nblocks := n / bitshuffleBlock
	out := make([]byte, n)

	for i := 0; i < nblocks; i++ {
		in := data[i*bitshuffleBlock : i*bitshuffleBlock+bitshuffleBlock]
		for p := 0; p < 8; p++ {
			var b byte
			for j := 0; j < 8; j++ {
				bit := (in[j] >> uint(p)) & 1
				b |= bit << uint(j)
			}
			out[p*nblocks+i] = b
		}
	}

	tailStart := nblocks * bitshuffleBlock
	copy(out[tailStart:], data[tailStart:])
	return out
}

// bitshuffleDecode inverts bitshuffleEncode. n must equal the original
// (pre-shuffle) data length.
func bitshuffleDecode(shuffled []byte, n int) []byte {
	nblocks := n / bitshuffleBlock
	out := make([]byte, n)

	for i := 0; i < nblocks; i++ {
		for p := 0; p < 8; p++ {
			b := shuffled[p*nblocks+i]
			for j := 0; j < 8; j++ {
				bit := (b >> uint(j)) & 1
				out[i*bitshuffleBlock+j] |= bit << uint(p)
			}
		}
	}

	tailStart := nblocks * bitshuffleBlock
	copy(out[tailStart:], shuffled[tailStart:])
	return out
}

// MaxCompressedSize returns the bit-shuffle+LZ4 worst-case output size for
// ndata bytes of input (spec.md §4.2).
func MaxCompressedSize(ndata int) int {
	return lz4.CompressBlockBound(ndata)
}

// compressBitshuffleLZ4 bit-shuffles then LZ4-compresses data. It returns
// ok=false if the compressed result is not actually smaller than len(data)
// or compression fails, per the fallback rule in spec.md §6.
func compressBitshuffleLZ4(data []byte) (out []byte, ok bool) {
	shuffled := bitshuffleEncode(data)

	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(shuffled, dst)
	if err != nil || n <= 0 || n >= len(data) {
		return nil, false
	}
	return dst[:n], true
}

// decompressBitshuffleLZ4 is the inverse of compressBitshuffleLZ4; ndata is
// the expected decompressed (pre-shuffle) size.
func decompressBitshuffleLZ4(compressed []byte, ndata int) ([]byte, error) {
	shuffled := make([]byte, ndata)
	n, err := lz4.UncompressBlock(compressed, shuffled)
	if err != nil {
		return nil, err
	}
	if n != ndata {
		return nil, errSizeMismatchDecompress
	}
	return bitshuffleDecode(shuffled, ndata), nil
}
