package media

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// ErrUnsupportedWAV is returned for WAV files that are not 16-bit PCM mono or stereo.
var ErrUnsupportedWAV = errors.New("unsupported WAV format")

// AudioFile is decoded WAV metadata plus raw PCM samples.
type AudioFile struct {
	AudioFormat   uint16
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	PCMData       []byte
}

// ReadWAVFile parses a WAV file from disk.
func ReadWAVFile(path string) (*AudioFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	af, err := ReadWAV(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Debug("[Media] Loaded WAV", "file", path, "rate", af.SampleRate, "channels", af.NumChannels, "bytes", len(af.PCMData))
	return af, nil
}

// ReadWAV parses a RIFF/WAVE stream, skipping chunks other than fmt and data.
func ReadWAV(r io.Reader) (*AudioFile, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrUnsupportedWAV)
	}

	af := &AudioFile{}
	haveFmt := false
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: data chunk not found", ErrUnsupportedWAV)
			}
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedWAV)
			}
			body := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			af.AudioFormat = binary.LittleEndian.Uint16(body[0:2])
			af.NumChannels = binary.LittleEndian.Uint16(body[2:4])
			af.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			af.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			if af.AudioFormat != 1 || af.BitsPerSample != 16 {
				return nil, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedWAV, af.AudioFormat, af.BitsPerSample)
			}
			if af.NumChannels != 1 && af.NumChannels != 2 {
				return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedWAV, af.NumChannels)
			}
			if af.SampleRate == 0 {
				return nil, fmt.Errorf("%w: zero sample rate", ErrUnsupportedWAV)
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("%w: data before fmt", ErrUnsupportedWAV)
			}
			data, err := io.ReadAll(io.LimitReader(r, int64(size)))
			if err != nil {
				return nil, fmt.Errorf("read data chunk: %w", err)
			}
			af.PCMData = data
			return af, nil

		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return nil, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}

// ResampleAudio converts audio to 8000 Hz mono 16-bit PCM using linear interpolation.
func ResampleAudio(af *AudioFile) ([]byte, error) {
	const targetRate = 8000

	var mono []byte
	switch af.NumChannels {
	case 1:
		mono = af.PCMData[:len(af.PCMData)&^1]
	case 2:
		frames := len(af.PCMData) / 4
		mono = make([]byte, frames*2)
		for i := 0; i < frames; i++ {
			left := int16(binary.LittleEndian.Uint16(af.PCMData[i*4:]))
			right := int16(binary.LittleEndian.Uint16(af.PCMData[i*4+2:]))
			binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16((int32(left)+int32(right))/2)))
		}
	default:
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedWAV, af.NumChannels)
	}

	if af.SampleRate == targetRate {
		return mono, nil
	}

	inSamples := len(mono) / 2
	ratio := float64(af.SampleRate) / float64(targetRate)
	outSamples := int(float64(inSamples) / ratio)
	out := make([]byte, 0, outSamples*2)
	for i := 0; i < outSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx+1 >= inSamples {
			break
		}
		frac := pos - float64(idx)
		s1 := float64(int16(binary.LittleEndian.Uint16(mono[idx*2:])))
		s2 := float64(int16(binary.LittleEndian.Uint16(mono[(idx+1)*2:])))
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(s1*(1-frac)+s2*frac)))
	}
	return out, nil
}

// LoadFile reads a WAV file and encodes it for codec c.
func LoadFile(path string, c Codec) ([]byte, error) {
	af, err := ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	pcm, err := ResampleAudio(af)
	if err != nil {
		return nil, err
	}
	return c.Encode(pcm), nil
}
