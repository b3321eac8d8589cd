package audio

import (
	"fmt"
	"log/slog"
)

// Convert converts c to the target format. If the source format already
// matches the target, c is returned unchanged (zero allocation).
// Conversion order: resample first, then channel convert.
//
// Zero fields in target keep the corresponding source value.
func Convert(c Clip, target Format) (Clip, error) {
	if target.SampleRate == 0 {
		target.SampleRate = c.SampleRate
	}
	if target.Channels == 0 {
		target.Channels = c.Channels
	}

	// Validate: odd byte count for int16 PCM.
	if len(c.PCM)%2 != 0 {
		return Clip{}, fmt.Errorf("audio: convert: odd byte count %d in PCM data", len(c.PCM))
	}
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return Clip{}, fmt.Errorf("audio: convert: invalid source format %s", formatString(c.SampleRate, c.Channels))
	}

	// Fast path: source matches target.
	if c.Format == target {
		return c, nil
	}

	slog.Debug("audio format conversion",
		"from", formatString(c.SampleRate, c.Channels),
		"to", formatString(target.SampleRate, target.Channels),
	)

	pcm := c.PCM
	currentChannels := c.Channels

	// Step 1: Resample first.
	if c.SampleRate != target.SampleRate {
		switch currentChannels {
		case 1:
			pcm = ResampleMono16(pcm, c.SampleRate, target.SampleRate)
		case 2:
			pcm = ResampleStereo16(pcm, c.SampleRate, target.SampleRate)
		default:
			return Clip{}, fmt.Errorf("audio: convert: cannot resample %d channels", currentChannels)
		}
	}

	// Step 2: Channel conversion.
	if currentChannels != target.Channels {
		switch {
		case currentChannels == 1 && target.Channels == 2:
			pcm = MonoToStereo(pcm)
		case currentChannels == 2 && target.Channels == 1:
			pcm = StereoToMono(pcm)
		default:
			return Clip{}, fmt.Errorf("audio: convert: unsupported channel conversion %d -> %d", currentChannels, target.Channels)
		}
	}

	return Clip{Format: target, PCM: pcm}, nil
}

// Concat joins clips end to end. Every clip is converted to the format of
// the first one.
func Concat(clips ...Clip) (Clip, error) {
	if len(clips) == 0 {
		return Clip{}, nil
	}
	out := Clip{Format: clips[0].Format}
	for i, c := range clips {
		conv, err := Convert(c, out.Format)
		if err != nil {
			return Clip{}, fmt.Errorf("audio: concat clip %d: %w", i, err)
		}
		out.PCM = append(out.PCM, conv.PCM...)
	}
	return out, nil
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate using
// linear interpolation. Each stereo frame is 4 bytes (L+R interleaved).
// If srcRate == dstRate, the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8

		var l1, r1 int16
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		} else {
			l1 = l0
			r1 = r0
		}

		lInterp := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		rInterp := int16(float64(r0)*(1-frac) + float64(r1)*frac)

		out[i*4] = byte(lInterp)
		out[i*4+1] = byte(lInterp >> 8)
		out[i*4+2] = byte(rInterp)
		out[i*4+3] = byte(rInterp >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
