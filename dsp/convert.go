// Package dsp holds the pure sample conversions shared by the capture and
// playback paths: rate conversion, int16 quantization and the base64 PCM
// encoding the wire protocol carries.
package dsp

import (
	"encoding/base64"
	"encoding/binary"
	"math"
)

// TargetRate is the rate the server's recognizer expects for uploaded audio.
const TargetRate = 16000

// Resample converts a mono block from fromRate to toRate. Equal rates return
// the input block unchanged. Each output sample is the mean of its source
// range, which avoids the aliasing of plain decimation.
func Resample(block []float64, fromRate, toRate int) []float64 {
	if fromRate == toRate {
		return block
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(math.Round(float64(len(block)) / ratio))
	out := make([]float64, outLen)

	for i := 0; i < outLen; i++ {
		lo := int(math.Floor(float64(i) * ratio))
		hi := int(math.Floor(float64(i+1) * ratio))
		if lo < 0 {
			lo = 0
		}
		if hi > len(block) {
			hi = len(block)
		}
		if hi <= lo {
			continue
		}
		var sum float64
		for j := lo; j < hi; j++ {
			sum += block[j]
		}
		out[i] = sum / float64(hi-lo)
	}
	return out
}

// Quantize clamps samples to [-1, 1] and maps them to int16. The mapping is
// asymmetric (32767 positive, 32768 negative full scale) to match the
// server's decoder; do not "fix" it.
func Quantize(block []float64) []int16 {
	out := make([]int16, len(block))
	for i, s := range block {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s >= 0 {
			out[i] = int16(math.Round(s * 32767))
		} else {
			out[i] = int16(math.Round(s * 32768))
		}
	}
	return out
}

// BytesLE reinterprets an int16 block as little-endian bytes.
func BytesLE(block []int16) []byte {
	out := make([]byte, len(block)*2)
	for i, s := range block {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 is the inverse of BytesLE. A trailing odd byte is dropped.
func DecodePCM16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// ToFloat maps int16 samples to [-1, 1) float64.
func ToFloat(block []int16) []float64 {
	out := make([]float64, len(block))
	for i, s := range block {
		out[i] = float64(s) / 32768.0
	}
	return out
}

// DownmixStereo averages interleaved L/R pairs down to mono.
func DownmixStereo(block []float64) []float64 {
	out := make([]float64, len(block)/2)
	for i := range out {
		out[i] = (block[i*2] + block[i*2+1]) / 2
	}
	return out
}

// EncodeForTransport packs an int16 block into the wire form: little-endian
// bytes, base64. An empty block encodes to "".
func EncodeForTransport(block []int16) string {
	if len(block) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(BytesLE(block))
}

// DecodeTransport reverses EncodeForTransport.
func DecodeTransport(s string) ([]int16, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return DecodePCM16(raw), nil
}

// ProcessAudioData is the full outbound conversion for one captured block:
// resample to TargetRate, quantize, encode.
func ProcessAudioData(block []float64, fromRate int) string {
	return EncodeForTransport(Quantize(Resample(block, fromRate, TargetRate)))
}

// RMS returns the root-mean-square level of a block, used for the level
// meter. Empty blocks are 0.
func RMS(block []float64) float64 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, s := range block {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(block)))
}
