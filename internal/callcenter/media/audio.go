package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/zaf/g711"
)

// ErrInvalidWAV is returned for files the decoder does not recognize.
var ErrInvalidWAV = errors.New("media: invalid wav file")

// Clip is decoded 16-bit PCM audio with its source parameters.
type Clip struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// LoadWAV reads a PCM WAV file from disk.
func LoadWAV(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	clip, err := DecodeWAV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Debug("[WAV] Loaded audio", "file", path, "sampleRate", clip.SampleRate, "channels", clip.Channels, "size_bytes", len(clip.PCM))
	return clip, nil
}

// DecodeWAV decodes a PCM WAV stream into 16-bit little-endian samples.
// 8, 24 and 32 bit sources are scaled to 16 bit.
func DecodeWAV(r io.ReadSeeker) (*Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	if dec.WavAudioFormat != 1 {
		return nil, fmt.Errorf("only PCM audio format (1) is supported, got %d", dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	pcm := make([]byte, len(buf.Data)*bytesPerSample)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(toInt16(s, depth)))
	}

	return &Clip{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		PCM:        pcm,
	}, nil
}

func toInt16(s, depth int) int16 {
	switch depth {
	case 8:
		// 8-bit WAV is unsigned
		return int16((s - 128) << 8)
	case 24:
		return int16(s >> 8)
	case 32:
		return int16(s >> 16)
	default:
		return int16(s)
	}
}

// WriteWAV encodes mono 16-bit PCM as a WAV file at path.
func WriteWAV(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	data := make([]int, len(pcm)/bytesPerSample)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("failed to finalize wav: %w", err)
	}
	return f.Close()
}

// Convert returns the clip as mono PCM at the format's sample rate.
func (c *Clip) Convert(f Format) ([]byte, error) {
	mono, err := ToMono(c.PCM, c.Channels)
	if err != nil {
		return nil, err
	}
	return Resample(mono, c.SampleRate, f.SampleRate), nil
}

// ToMono averages interleaved 16-bit stereo down to mono.
func ToMono(pcm []byte, channels int) ([]byte, error) {
	switch channels {
	case 1:
		return pcm, nil
	case 2:
		mono := make([]byte, len(pcm)/2)
		for i := 0; i+3 < len(pcm); i += 4 {
			left := int16(binary.LittleEndian.Uint16(pcm[i:]))
			right := int16(binary.LittleEndian.Uint16(pcm[i+2:]))
			binary.LittleEndian.PutUint16(mono[i/2:], uint16(int16((int32(left)+int32(right))/2)))
		}
		return mono, nil
	default:
		return nil, fmt.Errorf("unsupported number of channels: %d", channels)
	}
}

// Resample converts mono 16-bit PCM between sample rates using linear interpolation.
func Resample(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}

	inSamples := len(pcm) / bytesPerSample
	if inSamples == 0 {
		return nil
	}
	ratio := float64(from) / float64(to)
	outSamples := int(float64(inSamples) / ratio)
	out := make([]byte, outSamples*bytesPerSample)

	sample := func(i int) float64 {
		if i >= inSamples {
			i = inSamples - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	for i := 0; i < outSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		v := sample(srcIdx)*(1-frac) + sample(srcIdx+1)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// EncodeUlaw converts 16-bit PCM samples to G.711 µ-law.
func EncodeUlaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// DecodeUlaw converts G.711 µ-law to 16-bit PCM samples.
func DecodeUlaw(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}
