package audio

import "time"

// Format describes the sample rate and channel count of a PCM block.
type Format struct {
	SampleRate int
	Channels   int
}

// Clip is a block of little-endian int16 PCM together with its format.
// Multi-channel audio is interleaved frame by frame.
type Clip struct {
	Format

	// PCM holds the raw sample data (2 bytes per sample).
	PCM []byte
}

// Frames returns the number of sample frames in c.
func (c Clip) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.PCM) / (2 * c.Channels)
}

// Duration returns the playback length of c.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// Empty reports whether c carries no sample frames.
func (c Clip) Empty() bool {
	return c.Frames() == 0
}
