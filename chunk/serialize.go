// SPDX-License-Identifier: MIT

package chunk

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	headerString    = "assembled_chunk in msgpack format"
	wireVersion2    = uint8(2)
	wireVersion1    = uint8(1)
	wireArrayLenV2  = 21
	wireArrayLenV1  = 17
	compressionNone = uint8(0)
	compressionBSLZ4 = uint8(1)
)

var (
	errBadHeader              = errors.New("chunk: msgpack header string mismatch")
	errBadVersion             = errors.New("chunk: unsupported msgpack version")
	errBadArrayLen            = errors.New("chunk: msgpack array length mismatch")
	errBadCompression         = errors.New("chunk: unknown compression type")
	errGeometryMismatch       = errors.New("chunk: deserialized geometry does not match computed chunk shape")
	errSizeMismatchDecompress = errors.New("chunk: decompressed size does not match ndata")
)

// SerializeStats reports what Serialize actually did, so callers (and
// tests) can assert on the compression-fallback rule without re-parsing the
// wire bytes (spec.md §6 compression discipline).
type SerializeStats struct {
	RawSize        int
	CompressedSize int
	Compressed     bool
}

// Serialize encodes a chunk as a msgpack array of 21 elements (version 2),
// per spec.md §6. When compress is true, bit-shuffle+LZ4 is attempted; if
// the result is not smaller than the raw data, or compression fails, the
// chunk falls back to uncompressed encoding.
func Serialize(c *Chunk, compress bool) ([]byte, SerializeStats, error) {
	body := c.Data
	compression := compressionNone
	dataSize := c.Ndata

	stats := SerializeStats{RawSize: c.Ndata}

	if compress {
		if out, ok := compressBitshuffleLZ4(c.Data); ok {
			body = out
			compression = compressionBSLZ4
			dataSize = len(out)
			stats.Compressed = true
		}
	}
	stats.CompressedSize = len(body)

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.EncodeArrayLen(wireArrayLenV2); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeString(headerString); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeUint8(wireVersion2); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeUint8(compression); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeInt(int64(dataSize)); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeUint16(c.BeamID); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeInt(int64(c.Nupfreq)); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeInt(int64(c.NtPerPacket)); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeUint16(c.FpgaCountsPerSample); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeInt(int64(c.NtCoarse)); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeInt(int64(c.Nscales)); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeInt(int64(c.Ndata)); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeUint64(c.FpgaBegin); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeUint64(c.FpgaEnd - c.FpgaBegin); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeInt(int64(c.Binning)); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeBytes(float32sToBytes(c.Scales)); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeBytes(float32sToBytes(c.Offsets)); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeBytes(body); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeUint64(c.Frame0Nano); err != nil {
		return nil, stats, err
	}
	if err := enc.EncodeInt(int64(c.NRFIFreq)); err != nil {
		return nil, stats, err
	}

	mask, has := c.RFIMaskSnapshot()
	if err := enc.EncodeBool(has); err != nil {
		return nil, stats, err
	}
	if has {
		if err := enc.EncodeBytes(mask); err != nil {
			return nil, stats, err
		}
	} else {
		if err := enc.EncodeBytes(nil); err != nil {
			return nil, stats, err
		}
	}

	return buf.Bytes(), stats, nil
}

// Deserialize parses a msgpack-encoded chunk (version 1 or 2), allocating
// and validating a new Chunk per spec.md §6/§7.
func Deserialize(data []byte, ntPerAssembledChunk int) (*Chunk, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))

	arrLen, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}

	header, err := dec.DecodeString()
	if err != nil {
		return nil, err
	}
	if header != headerString {
		return nil, errBadHeader
	}

	version, err := dec.DecodeUint8()
	if err != nil {
		return nil, err
	}

	switch version {
	case wireVersion1:
		if arrLen != wireArrayLenV1 {
			return nil, fmt.Errorf("%w: version 1 expects %d items, got %d", errBadArrayLen, wireArrayLenV1, arrLen)
		}
	case wireVersion2:
		if arrLen != wireArrayLenV2 {
			return nil, fmt.Errorf("%w: version 2 expects %d items, got %d", errBadArrayLen, wireArrayLenV2, arrLen)
		}
	default:
		return nil, errBadVersion
	}

	compression, err := dec.DecodeUint8()
	if err != nil {
		return nil, err
	}
	if compression != compressionNone && compression != compressionBSLZ4 {
		return nil, errBadCompression
	}

	compressedSize, err := dec.DecodeInt()
	if err != nil {
		return nil, err
	}
	beamID, err := dec.DecodeUint16()
	if err != nil {
		return nil, err
	}
	nupfreq, err := dec.DecodeInt()
	if err != nil {
		return nil, err
	}
	ntPerPacket, err := dec.DecodeInt()
	if err != nil {
		return nil, err
	}
	fpgaCountsPerSample, err := dec.DecodeUint16()
	if err != nil {
		return nil, err
	}
	ntCoarse, err := dec.DecodeInt()
	if err != nil {
		return nil, err
	}
	nscales, err := dec.DecodeInt()
	if err != nil {
		return nil, err
	}
	ndata, err := dec.DecodeInt()
	if err != nil {
		return nil, err
	}
	fpgaBegin, err := dec.DecodeUint64()
	if err != nil {
		return nil, err
	}
	fpgaSpan, err := dec.DecodeUint64()
	if err != nil {
		return nil, err
	}
	binning, err := dec.DecodeInt()
	if err != nil {
		return nil, err
	}

	isample := fpgaBegin / uint64(fpgaCountsPerSample)
	ichunk := isample / uint64(ntPerAssembledChunk)

	var frame0Nano uint64
	var nrfiFreq int

	// Items 14-16 (scales/offsets/data bin blobs) come before the optional
	// version-2 tail (17-20), so peel them off first regardless of version.
	scalesBin, err := dec.DecodeBytes()
	if err != nil {
		return nil, err
	}
	offsetsBin, err := dec.DecodeBytes()
	if err != nil {
		return nil, err
	}
	dataBin, err := dec.DecodeBytes()
	if err != nil {
		return nil, err
	}

	if version == wireVersion2 {
		frame0Nano, err = dec.DecodeUint64()
		if err != nil {
			return nil, err
		}
		nrfiFreq, err = dec.DecodeInt()
		if err != nil {
			return nil, err
		}
	}

	c, err := New(Params{
		BeamID:              beamID,
		Nupfreq:             nupfreq,
		NtPerPacket:         ntPerPacket,
		FpgaCountsPerSample: fpgaCountsPerSample,
		NtPerAssembledChunk: ntPerAssembledChunk,
		Ichunk:              ichunk,
		Binning:             binning,
		Frame0Nano:          frame0Nano,
		NRFIFreq:            nrfiFreq,
	})
	if err != nil {
		return nil, err
	}

	if c.NtCoarse != ntCoarse || c.Nscales != nscales || c.Ndata != ndata ||
		c.FpgaBegin != fpgaBegin || c.FpgaEnd != fpgaBegin+fpgaSpan {
		return nil, errGeometryMismatch
	}

	if len(scalesBin) != 4*nscales || len(offsetsBin) != 4*nscales {
		return nil, errBadArrayLen
	}
	copy(c.Scales, bytesToFloat32s(scalesBin))
	copy(c.Offsets, bytesToFloat32s(offsetsBin))

	switch compression {
	case compressionNone:
		if len(dataBin) != ndata {
			return nil, errBadArrayLen
		}
		copy(c.Data, dataBin)
	case compressionBSLZ4:
		if len(dataBin) != compressedSize {
			return nil, errBadArrayLen
		}
		decompressed, err := decompressBitshuffleLZ4(dataBin, ndata)
		if err != nil {
			return nil, err
		}
		copy(c.Data, decompressed)
	}

	if version == wireVersion2 {
		hasRFIMask, err := dec.DecodeBool()
		if err != nil {
			return nil, err
		}
		rfiMaskBin, err := dec.DecodeBytes()
		if err != nil {
			return nil, err
		}
		if hasRFIMask {
			if len(rfiMaskBin) != c.NRFIMaskBytes {
				return nil, errBadArrayLen
			}
			c.SetRFIMask(rfiMaskBin)
		}
	}

	return c, nil
}

func float32sToBytes(xs []float32) []byte {
	out := make([]byte, 4*len(xs))
	for i, x := range xs {
		putFloat32(out[4*i:], x)
	}
	return out
}

func bytesToFloat32s(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = getFloat32(b[4*i:])
	}
	return out
}
