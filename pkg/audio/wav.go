package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// ErrInvalidWAV is returned when a byte slice is not a decodable RIFF/WAVE file.
var ErrInvalidWAV = errors.New("audio: invalid WAV data")

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// wavHeader holds the fields of the "fmt " sub-chunk we care about.
type wavHeader struct {
	format        int
	channels      int
	sampleRate    int
	bitsPerSample int
}

// DecodeWAV parses a RIFF/WAVE container and returns its audio as 16-bit PCM.
// Integer PCM of 8, 16, 24 or 32 bits and 32-bit IEEE float are accepted.
//
// The chunk list is walked rather than assuming a fixed 44-byte header because
// servers emit LIST/fact chunks and variable-size fmt chunks.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) < 12 {
		return Clip{}, fmt.Errorf("%w: too short to be a RIFF file", ErrInvalidWAV)
	}
	if string(data[0:4]) != "RIFF" {
		return Clip{}, fmt.Errorf("%w: missing RIFF header", ErrInvalidWAV)
	}
	if string(data[8:12]) != "WAVE" {
		return Clip{}, fmt.Errorf("%w: missing WAVE identifier", ErrInvalidWAV)
	}

	var (
		hdr      wavHeader
		foundFmt bool
	)
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || body+16 > len(data) {
				return Clip{}, fmt.Errorf("%w: truncated fmt chunk", ErrInvalidWAV)
			}
			f := data[body:]
			hdr.format = int(binary.LittleEndian.Uint16(f[0:2]))
			hdr.channels = int(binary.LittleEndian.Uint16(f[2:4]))
			hdr.sampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			hdr.bitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			if hdr.format == wavFormatExtensible && chunkSize >= 26 && body+26 <= len(data) {
				// The first two bytes of the sub-format GUID carry the real format tag.
				hdr.format = int(binary.LittleEndian.Uint16(f[24:26]))
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return Clip{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			end := body + chunkSize
			// Streaming writers leave the size as 0 or 0xFFFFFFFF.
			if chunkSize == 0 || end > len(data) || end < body {
				end = len(data)
			}
			return decodeSamples(hdr, data[body:end])
		}

		offset = body + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return Clip{}, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}

// decodeSamples converts the payload of a data chunk to 16-bit PCM.
func decodeSamples(hdr wavHeader, payload []byte) (Clip, error) {
	if hdr.channels <= 0 || hdr.sampleRate <= 0 {
		return Clip{}, fmt.Errorf("%w: %d channels at %d Hz", ErrInvalidWAV, hdr.channels, hdr.sampleRate)
	}
	format := Format{SampleRate: hdr.sampleRate, Channels: hdr.channels}

	switch {
	case hdr.format == wavFormatPCM && hdr.bitsPerSample == 16:
		pcm := make([]byte, len(payload)&^1)
		copy(pcm, payload)
		return Clip{Format: format, PCM: pcm}, nil

	case hdr.format == wavFormatPCM && hdr.bitsPerSample == 8:
		pcm := make([]byte, len(payload)*2)
		for i, b := range payload {
			putSample(pcm, i, int16((int(b)-128)<<8))
		}
		return Clip{Format: format, PCM: pcm}, nil

	case hdr.format == wavFormatPCM && hdr.bitsPerSample == 24:
		n := len(payload) / 3
		pcm := make([]byte, n*2)
		for i := range n {
			// Keep the two most significant bytes.
			pcm[i*2] = payload[i*3+1]
			pcm[i*2+1] = payload[i*3+2]
		}
		return Clip{Format: format, PCM: pcm}, nil

	case hdr.format == wavFormatPCM && hdr.bitsPerSample == 32:
		n := len(payload) / 4
		pcm := make([]byte, n*2)
		for i := range n {
			pcm[i*2] = payload[i*4+2]
			pcm[i*2+1] = payload[i*4+3]
		}
		return Clip{Format: format, PCM: pcm}, nil

	case hdr.format == wavFormatFloat && hdr.bitsPerSample == 32:
		n := len(payload) / 4
		pcm := make([]byte, n*2)
		for i := range n {
			f := math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
			putSample(pcm, i, floatToSample(float64(f)))
		}
		return Clip{Format: format, PCM: pcm}, nil
	}

	return Clip{}, fmt.Errorf("%w: unsupported encoding (format %d, %d bits)", ErrInvalidWAV, hdr.format, hdr.bitsPerSample)
}

// EncodeWAV serialises c as a canonical 44-byte-header PCM WAV file.
func EncodeWAV(c Clip) []byte {
	const headerSize = 44
	dataSize := len(c.PCM) &^ 1
	buf := make([]byte, headerSize+dataSize)
	le := binary.LittleEndian

	blockAlign := c.Channels * 2
	copy(buf[0:4], "RIFF")
	le.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	le.PutUint32(buf[16:20], 16)
	le.PutUint16(buf[20:22], wavFormatPCM)
	le.PutUint16(buf[22:24], uint16(c.Channels))
	le.PutUint32(buf[24:28], uint32(c.SampleRate))
	le.PutUint32(buf[28:32], uint32(c.SampleRate*blockAlign))
	le.PutUint16(buf[32:34], uint16(blockAlign))
	le.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	le.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[headerSize:], c.PCM[:dataSize])
	return buf
}

// ReadWAVFile loads and decodes the WAV file at path.
func ReadWAVFile(path string) (Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: read %q: %w", path, err)
	}
	c, err := DecodeWAV(data)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: decode %q: %w", path, err)
	}
	return c, nil
}

// WriteWAVFile encodes c and writes it to path. The file is written to a
// temporary sibling first and renamed into place, so readers never observe a
// partially written artifact.
func WriteWAVFile(path string, c Clip) error {
	if c.Channels <= 0 || c.SampleRate <= 0 {
		return fmt.Errorf("audio: write %q: invalid format %dHz/%dch", path, c.SampleRate, c.Channels)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("audio: write %q: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("audio: write %q: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(EncodeWAV(c)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("audio: write %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("audio: write %q: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("audio: write %q: %w", path, err)
	}
	return nil
}
