package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// FormatConverter converts chunks to a target format. It logs a warning on
// the first format mismatch and on the first malformed chunk.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a chunk to the target format. If the source format already
// matches the target, the chunk is returned unchanged (zero allocation).
// Multi-channel input is mixed down before resampling so only one channel is
// interpolated; mono input is duplicated when the target has more channels.
func (c *FormatConverter) Convert(chunk Chunk) Chunk {
	if chunk.Channels <= 0 || len(chunk.Samples)%chunk.Channels != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: partial frame in chunk, dropping",
				"samples", len(chunk.Samples),
				"sampleRate", chunk.SampleRate,
				"channels", chunk.Channels,
			)
		})
		return Chunk{
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Timestamp:  chunk.Timestamp,
		}
	}

	// Fast path: source matches target.
	if chunk.SampleRate == c.Target.SampleRate && chunk.Channels == c.Target.Channels {
		return chunk
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio format mismatch: converting",
			"from", formatString(chunk.SampleRate, chunk.Channels),
			"to", c.Target.String(),
		)
	})

	var out []float32
	if c.Target.Channels == 1 {
		out = Resample(Downmix(chunk.Samples, chunk.Channels), chunk.SampleRate, c.Target.SampleRate)
	} else {
		per := make([][]float32, c.Target.Channels)
		for ch := range per {
			src := ch
			if src >= chunk.Channels {
				src = chunk.Channels - 1
			}
			per[ch] = Resample(Deinterleave(chunk.Samples, chunk.Channels, src), chunk.SampleRate, c.Target.SampleRate)
		}
		out = interleave(per)
	}

	return Chunk{
		Samples:    out,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  chunk.Timestamp,
	}
}

// interleave merges equal-length per-channel slices into one interleaved slice.
func interleave(per [][]float32) []float32 {
	if len(per) == 0 {
		return nil
	}
	frames := len(per[0])
	out := make([]float32, frames*len(per))
	for i := range frames {
		for ch := range per {
			out[i*len(per)+ch] = per[ch][i]
		}
	}
	return out
}

// EncodePCM16 encodes int16 samples as little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 decodes little-endian int16 PCM. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}
