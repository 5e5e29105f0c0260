package playback

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
)

// WaveHeaderSize is subtracted from wave artifacts before estimating
const WaveHeaderSize = 44

var errNotWave = errors.New("not a RIFF/WAVE header")

// Estimator turns an artifact size into a playback wait
type Estimator struct {
	Margin      time.Duration
	DefaultWait time.Duration
	MinWait     time.Duration
	MaxWait     time.Duration
}

// DefaultEstimator uses a 200ms margin, a 2s fallback and a [0.5s, 15s] clamp
func DefaultEstimator() Estimator {
	return Estimator{
		Margin:      200 * time.Millisecond,
		DefaultWait: 2 * time.Second,
		MinWait:     500 * time.Millisecond,
		MaxWait:     15 * time.Second,
	}
}

// Duration computes dataBytes / (rate * bytesPerSample * channels). It is
// pure: the same inputs always give the same result.
func (e Estimator) Duration(size int64, header []byte, enc entities.EncodingDescriptor) (time.Duration, error) {
	rate := enc.SampleRate
	bits := enc.BitDepth
	channels := 1
	data := size

	if enc.Format == entities.FormatWave {
		h, err := parseWaveHeader(header)
		if err != nil {
			return 0, err
		}
		rate, bits, channels = h.rate, h.bits, h.channels
		data = size - WaveHeaderSize
	}

	if rate <= 0 {
		return 0, fmt.Errorf("invalid sample rate %d", rate)
	}
	if bits <= 0 {
		bits = entities.InferBitDepth(rate)
	}
	bytesPerSample := int64((bits + 7) / 8)
	if data < 0 {
		data = 0
	}

	perSecond := int64(rate) * bytesPerSample * int64(channels)
	return time.Duration(data * int64(time.Second) / perSecond), nil
}

// Wait is the pacing delay for a task: the estimated duration plus the
// margin, or the default wait if estimation failed, clamped to the bounds.
func (e Estimator) Wait(size int64, header []byte, enc entities.EncodingDescriptor) (time.Duration, error) {
	d, err := e.Duration(size, header, enc)
	if err != nil {
		return e.clamp(e.DefaultWait), err
	}
	return e.clamp(d + e.Margin), nil
}

func (e Estimator) clamp(d time.Duration) time.Duration {
	if e.MinWait > 0 && d < e.MinWait {
		return e.MinWait
	}
	if e.MaxWait > 0 && d > e.MaxWait {
		return e.MaxWait
	}
	return d
}

type waveHeader struct {
	channels int
	rate     int
	bits     int
}

func parseWaveHeader(b []byte) (waveHeader, error) {
	if len(b) < WaveHeaderSize || !bytes.Equal(b[0:4], []byte("RIFF")) || !bytes.Equal(b[8:12], []byte("WAVE")) {
		return waveHeader{}, errNotWave
	}
	h := waveHeader{
		channels: int(binary.LittleEndian.Uint16(b[22:24])),
		rate:     int(binary.LittleEndian.Uint32(b[24:28])),
		bits:     int(binary.LittleEndian.Uint16(b[34:36])),
	}
	if h.channels == 0 || h.rate == 0 || h.bits == 0 {
		return waveHeader{}, fmt.Errorf("incomplete wave header: %+v", h)
	}
	return h, nil
}
