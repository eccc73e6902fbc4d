package whisper

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

// monoSamples decodes interleaved 16-bit little-endian PCM into the float32
// mono samples whisper.cpp expects, averaging channels per frame. A trailing
// partial frame is dropped.
func monoSamples(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frame := 2 * channels
	out := make([]float32, len(pcm)/frame)
	for i := range out {
		var sum int32
		for off := i * frame; off < (i+1)*frame; off += 2 {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		out[i] = float32(sum) / float32(channels) / 32768
	}
	return out
}

// pcmPayload extracts raw 16-bit PCM and its channel count from req.
// WAV input is accepted when it carries a canonical 44-byte header.
func pcmPayload(req stt.Request) ([]byte, int, error) {
	channels := req.Format.Channels
	if channels <= 0 {
		channels = 1
	}
	switch req.Format.Encoding {
	case "", types.EncodingPCM16:
		return req.Audio, channels, nil
	case types.EncodingWAV:
		if len(req.Audio) < 44 || string(req.Audio[0:4]) != "RIFF" || string(req.Audio[8:12]) != "WAVE" {
			return nil, 0, errors.New("whisper: malformed WAV header")
		}
		if ch := int(binary.LittleEndian.Uint16(req.Audio[22:24])); ch > 0 {
			channels = ch
		}
		return req.Audio[44:], channels, nil
	default:
		return nil, 0, fmt.Errorf("whisper: native transcription does not support %q audio", req.Format.Encoding)
	}
}
