package stt

import (
	"encoding/binary"

	"github.com/MrWong99/parley/pkg/types"
)

const bitsPerSample = 16

// Upload returns req.Audio in a form batch transcription APIs accept as a file
// upload: raw PCM is wrapped in a RIFF/WAV container, container formats are
// passed through unchanged. filename carries the extension APIs use to sniff
// the format.
func Upload(req Request) (data []byte, filename, contentType string) {
	switch req.Format.Encoding {
	case types.EncodingWebM:
		return req.Audio, "audio.webm", "audio/webm"
	case types.EncodingOgg:
		return req.Audio, "audio.ogg", "audio/ogg"
	case types.EncodingWAV:
		return req.Audio, "audio.wav", "audio/wav"
	default:
		sr := req.Format.SampleRate
		if sr <= 0 {
			sr = 16000
		}
		ch := req.Format.Channels
		if ch <= 0 {
			ch = 1
		}
		return EncodeWAV(req.Audio, sr, ch), "audio.wav", "audio/wav"
	}
}

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
