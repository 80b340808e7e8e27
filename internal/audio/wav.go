package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV wraps PCM in a complete RIFF/WAVE container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	buf := &memFile{}
	enc := wav.NewEncoder(buf, f.SampleRate, 16, f.Channels, 1)
	if err := enc.Write(intBuffer(pcm, f)); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return buf.data, nil
}

// WAVFile appends PCM to a WAV file on disk; sizes are patched on Close.
type WAVFile struct {
	file    *os.File
	enc     *wav.Encoder
	format  Format
	written int64
}

// CreateWAV creates path (and its directory) for incremental writing.
func CreateWAV(path string, f Format) (*WAVFile, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	return &WAVFile{
		file:   file,
		enc:    wav.NewEncoder(file, f.SampleRate, 16, f.Channels, 1),
		format: f,
	}, nil
}

func (w *WAVFile) Write(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	if err := w.enc.Write(intBuffer(pcm, w.format)); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	w.written += int64(len(pcm))
	return nil
}

// Written reports the PCM bytes appended so far.
func (w *WAVFile) Written() int64 { return w.written }

func (w *WAVFile) Path() string { return w.file.Name() }

func (w *WAVFile) Close() error {
	if w.written == 0 {
		// header only, so the file is still a valid empty WAV
		if err := w.enc.Write(intBuffer(nil, w.format)); err != nil {
			return errors.Join(err, w.file.Close())
		}
	}
	return errors.Join(w.enc.Close(), w.file.Close())
}

// WriteStreamHeader writes a WAV header with open-ended sizes for non-seekable
// outputs such as stdout. Players read until EOF.
func WriteStreamHeader(w io.Writer, f Format) error {
	const unknown = 0xFFFFFFFF
	header := struct {
		RIFF          [4]byte
		Size          uint32
		WAVE          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		Size:          unknown,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.BytesPerSecond()),
		BlockAlign:    uint16(f.Channels * 2),
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      unknown,
	}
	return binary.Write(w, binary.LittleEndian, header)
}

func intBuffer(pcm []byte, f Format) *goaudio.IntBuffer {
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           Samples(pcm),
		SourceBitDepth: 16,
	}
}

// memFile is an in-memory io.WriteSeeker for the wav encoder.
type memFile struct {
	data []byte
	pos  int
}

func (m *memFile) Write(p []byte) (int, error) {
	if end := m.pos + len(p); end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	n := copy(m.data[m.pos:], p)
	m.pos += n
	return n, nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(m.pos) + offset
	case io.SeekEnd:
		abs = int64(len(m.data)) + offset
	default:
		return 0, errors.New("memfile: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("memfile: negative position")
	}
	m.pos = int(abs)
	return abs, nil
}
