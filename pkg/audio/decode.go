package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
)

// ErrUnsupportedCodec is returned by [Decode] when the container is neither
// WAV nor MP3.
var ErrUnsupportedCodec = errors.New("audio: unsupported codec")

// DecodeMP3 decodes an MP3 stream. go-mp3 always produces 16-bit stereo PCM
// at the stream's native sample rate.
func DecodeMP3(r io.Reader) (Clip, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: open mp3: %w", err)
	}
	pcm, err := io.ReadAll(d)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: decode mp3: %w", err)
	}
	return Clip{
		Format: Format{SampleRate: d.SampleRate(), Channels: 2},
		PCM:    pcm[:len(pcm)&^3],
	}, nil
}

// Decode sniffs data and decodes it as WAV or MP3.
func Decode(data []byte) (Clip, error) {
	switch {
	case isWAV(data):
		return DecodeWAV(data)
	case isMP3(data):
		return DecodeMP3(bytes.NewReader(data))
	}
	return Clip{}, ErrUnsupportedCodec
}

// Load reads the file at path and decodes it with [Decode].
func Load(path string) (Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: read %q: %w", path, err)
	}
	c, err := Decode(data)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: decode %q: %w", path, err)
	}
	return c, nil
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// isMP3 accepts an ID3v2 tag or a bare MPEG audio frame sync.
func isMP3(data []byte) bool {
	if len(data) >= 3 && string(data[0:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}
