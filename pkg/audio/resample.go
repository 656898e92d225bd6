package audio

import "math"

// TargetLength returns the number of samples [Resample] produces for n input
// samples: round(n × outRate / inRate), rounding half to even.
func TargetLength(n, inRate, outRate int) int {
	if n <= 0 || inRate <= 0 || outRate <= 0 {
		return 0
	}
	return int(math.RoundToEven(float64(n) * float64(outRate) / float64(inRate)))
}

// Resample converts mono samples from inRate to outRate using linear
// interpolation over evenly spaced query points across [0, len-1].
//
// Equal rates return a copy of the input. Empty input returns an empty
// slice. When the target length is one, the sample at index len/2 is
// returned. Non-positive rates return nil.
//
// Resample is pure and safe for concurrent use.
func Resample(samples []float32, inRate, outRate int) []float32 {
	if inRate <= 0 || outRate <= 0 {
		return nil
	}
	if len(samples) == 0 {
		return []float32{}
	}
	if inRate == outRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	target := TargetLength(len(samples), inRate, outRate)
	switch target {
	case 0:
		return []float32{}
	case 1:
		return []float32{samples[len(samples)/2]}
	}

	out := make([]float32, target)
	last := len(samples) - 1
	step := float64(last) / float64(target-1)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}

// ResampleInt16 is [Resample] for int16 PCM. Interpolated values are rounded
// to the nearest integer.
func ResampleInt16(samples []int16, inRate, outRate int) []int16 {
	if inRate <= 0 || outRate <= 0 {
		return nil
	}
	if len(samples) == 0 {
		return []int16{}
	}
	if inRate == outRate {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}

	target := TargetLength(len(samples), inRate, outRate)
	switch target {
	case 0:
		return []int16{}
	case 1:
		return []int16{samples[len(samples)/2]}
	}

	out := make([]int16, target)
	last := len(samples) - 1
	step := float64(last) / float64(target-1)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		v := float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac
		out[i] = clampInt16(math.Round(v))
	}
	return out
}

// Downmix averages interleaved channels into mono. Mono input is copied.
// A trailing partial frame is ignored.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(interleaved))
		copy(out, interleaved)
		return out
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	inv := 1 / float32(channels)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum * inv
	}
	return out
}

// Deinterleave extracts channel ch from interleaved samples. It returns nil
// when ch is out of range.
func Deinterleave(interleaved []float32, channels, ch int) []float32 {
	if channels <= 0 || ch < 0 || ch >= channels {
		return nil
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		out[i] = interleaved[i*channels+ch]
	}
	return out
}

// ToInt16 converts normalised samples to int16 PCM. Values are clipped to
// [-1, 1] and scaled by 32767.
func ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(s * 32767)
	}
	return out
}

// FromInt16 converts int16 PCM to samples normalised by 32767.
func FromInt16(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32767
	}
	return out
}

// PrepareForEngine turns one block of device audio into exactly frameLength
// int16 samples for a keyword engine: mix down to mono, resample to outRate,
// convert to int16, then zero-pad or truncate. Mixing before resampling gives
// the same result as the reverse order because both steps are linear.
func PrepareForEngine(samples []float32, channels, inRate, outRate, frameLength int) []int16 {
	if frameLength <= 0 {
		return nil
	}
	mono := Downmix(samples, channels)
	mono = Resample(mono, inRate, outRate)

	out := make([]int16, frameLength)
	copy(out, ToInt16(mono))
	return out
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
