package websocket

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/puertocho/pkg/audio"
)

// Payload encodings accepted by [WithEncoding].
const (
	EncodingPCM  = "pcm_s16le"
	EncodingOpus = "opus"
)

// opusFrameMs is the Opus frame duration used for captures.
const opusFrameMs = 20

// maxOpusPacket bounds a single encoded packet.
const maxOpusPacket = 4000

// opusFallbackRate is used for captures at rates Opus does not accept.
const opusFallbackRate = 16000

// encodeOpus encodes interleaved PCM into a sequence of Opus packets, each
// prefixed with its length as a big-endian uint16. The final frame is padded
// with silence.
func encodeOpus(pcm []int16, sampleRate, channels int) ([]byte, error) {
	if !opusRate(sampleRate) {
		return nil, fmt.Errorf("opus: unsupported sample rate %d", sampleRate)
	}
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}

	frameSize := sampleRate * opusFrameMs / 1000
	step := frameSize * channels
	out := make([]byte, 0, len(pcm)/4)
	frame := make([]int16, step)
	for off := 0; off < len(pcm); off += step {
		n := copy(frame, pcm[off:])
		clear(frame[n:])
		packet, err := enc.Encode(frame, frameSize, maxOpusPacket)
		if err != nil {
			return nil, fmt.Errorf("opus: encode frame at %d: %w", off, err)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(packet)))
		out = append(out, packet...)
	}
	return out, nil
}

// opusRate reports whether Opus accepts rate.
func opusRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

// payload is a capture rendered for the wire.
type payload struct {
	data    []byte
	format  audio.Format
	samples int
}

// encodePayload renders c in the link's configured encoding. Opus payloads
// from devices at rates Opus does not accept are downmixed and resampled to
// 16 kHz mono.
func (l *Link) encodePayload(c audio.Capture) (payload, error) {
	p := payload{
		format:  audio.Format{SampleRate: c.SampleRate, Channels: c.Channels},
		samples: len(c.Samples),
	}
	if l.encoding != EncodingOpus {
		p.data = audio.EncodePCM16(audio.ToInt16(c.Samples))
		return p, nil
	}
	samples := c.Samples
	if !opusRate(c.SampleRate) {
		samples = audio.Resample(audio.Downmix(samples, c.Channels), c.SampleRate, opusFallbackRate)
		p.format = audio.Format{SampleRate: opusFallbackRate, Channels: 1}
		p.samples = len(samples)
	}
	var err error
	p.data, err = encodeOpus(audio.ToInt16(samples), p.format.SampleRate, p.format.Channels)
	return p, err
}
