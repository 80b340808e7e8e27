// Package audio holds PCM helpers, WAV containers and the playback process used by
// the local delivery sinks. All PCM is 16-bit little-endian, interleaved.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Format describes interleaved 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond is the data rate of the format.
func (f Format) BytesPerSecond() int { return f.SampleRate * f.Channels * 2 }

// Duration returns the playback length of n bytes of PCM.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Samples widens PCM bytes to ints for go-audio buffers.
func Samples(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// Tone renders a sine wave. Used by the mock synthesizer.
func Tone(f Format, freq float64, d time.Duration) []byte {
	frames := int(math.Round(d.Seconds() * float64(f.SampleRate)))
	pcm := make([]byte, frames*f.Channels*2)
	for i := 0; i < frames; i++ {
		v := int16(0.2 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(f.SampleRate)))
		for c := 0; c < f.Channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*f.Channels+c)*2:], uint16(v))
		}
	}
	return pcm
}

// Silence returns d worth of zeroed PCM.
func Silence(f Format, d time.Duration) []byte {
	frames := int(math.Round(d.Seconds() * float64(f.SampleRate)))
	return make([]byte, frames*f.Channels*2)
}

const (
	trimFrameLength = 2048
	trimHopLength   = 512
)

// TrimSilence removes leading and trailing frames whose RMS falls more than topDB
// below the loudest frame. Short or silent input is returned unchanged.
func TrimSilence(pcm []byte, channels int, topDB float64) []byte {
	if topDB <= 0 || channels <= 0 {
		return pcm
	}
	samples := len(pcm) / 2
	if samples < trimFrameLength {
		return pcm
	}

	var rms []float64
	for start := 0; start+trimFrameLength <= samples; start += trimHopLength {
		var sum float64
		for i := start; i < start+trimFrameLength; i++ {
			v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / math.MaxInt16
			sum += v * v
		}
		rms = append(rms, math.Sqrt(sum/trimFrameLength))
	}

	var peak float64
	for _, v := range rms {
		peak = max(peak, v)
	}
	if peak == 0 {
		return pcm
	}
	threshold := peak * math.Pow(10, -topDB/20)

	first, last := -1, -1
	for i, v := range rms {
		if v > threshold {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return pcm
	}
	begin := first * trimHopLength
	end := min((last+1)*trimHopLength, samples)
	begin -= begin % channels
	end -= end % channels
	return pcm[begin*2 : end*2]
}
