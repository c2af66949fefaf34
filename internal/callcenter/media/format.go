package media

import "time"

// Format describes the uncompressed PCM carried on the call audio path.
// Samples are signed 16-bit little-endian.
type Format struct {
	SampleRate int           // Hz
	FrameDur   time.Duration // one framing quantum
	Channels   int
}

// PCM16k is the call audio format: 16 kHz mono, 20 ms frames of 640 bytes.
var PCM16k = Format{SampleRate: 16000, FrameDur: 20 * time.Millisecond, Channels: 1}

const bytesPerSample = 2

// SamplesPerFrame returns the number of samples in one frame.
// For 16kHz with 20ms frames, this returns 320.
func (f Format) SamplesPerFrame() int {
	return f.SampleRate * int(f.FrameDur) / int(time.Second)
}

// FrameBytes returns the payload bytes per frame (640 for PCM16k).
func (f Format) FrameBytes() int {
	return f.SamplesPerFrame() * f.Channels * bytesPerSample
}

// Duration returns the playback time of n bytes of audio in this format.
func (f Format) Duration(n int) time.Duration {
	perSecond := f.SampleRate * f.Channels * bytesPerSample
	if perSecond == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(perSecond)
}

// WithRate returns a copy of f with a different sample rate.
func (f Format) WithRate(rate int) Format {
	f.SampleRate = rate
	return f
}

// Frames splits pcm into frame-sized chunks. The last chunk is padded with
// silence so every chunk is exactly FrameBytes long.
func (f Format) Frames(pcm []byte) [][]byte {
	size := f.FrameBytes()
	if size <= 0 || len(pcm) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(pcm)+size-1)/size)
	for off := 0; off < len(pcm); off += size {
		end := off + size
		if end <= len(pcm) {
			frames = append(frames, pcm[off:end])
			continue
		}
		last := make([]byte, size)
		copy(last, pcm[off:])
		frames = append(frames, last)
	}
	return frames
}
