package encoder

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

type Flac struct {
	buf         bytes.Buffer
	enc         *flac.Encoder
	totalFrames uint64
}

func NewFlac() (*Flac, error) {
	e := &Flac{}
	info := &meta.StreamInfo{
		BlockSizeMin:  BlockSize,
		BlockSizeMax:  BlockSize,
		SampleRate:    SampleRate,
		NChannels:     Channels,
		BitsPerSample: BitsPerSample,
		NSamples:      0,
	}
	enc, err := flac.NewEncoder(&e.buf, info)
	if err != nil {
		return nil, fmt.Errorf("creating flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)
	e.enc = enc
	return e, nil
}

// EncodePCM writes little-endian 16-bit mono PCM in BlockSize frames.
func (e *Flac) EncodePCM(pcm []byte) error {
	samples := make([]int16, 0, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		samples = append(samples, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	for len(samples) > 0 {
		n := min(len(samples), BlockSize)
		if err := e.encodeBlock(samples[:n]); err != nil {
			return err
		}
		samples = samples[n:]
	}
	return nil
}

func (e *Flac) encodeBlock(block []int16) error {
	samples32 := make([]int32, len(block))
	for i, s := range block {
		samples32[i] = int32(s)
	}

	subframe := &frame.Subframe{
		SubHeader: frame.SubHeader{
			Pred: frame.PredVerbatim,
		},
		Samples:  samples32,
		NSamples: len(block),
	}

	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(len(block)),
			SampleRate:    SampleRate,
			Channels:      frame.ChannelsMono,
			BitsPerSample: BitsPerSample,
		},
		Subframes: []*frame.Subframe{subframe},
	}

	if err := e.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("writing flac frame: %w", err)
	}
	e.totalFrames += uint64(len(block))
	return nil
}

func (e *Flac) Close() error {
	return e.enc.Close()
}

func (e *Flac) Bytes() []byte {
	return e.buf.Bytes()
}

func (e *Flac) TotalFrames() uint64 {
	return e.totalFrames
}

// Encode is the one-shot form: a whole PCM buffer in, a FLAC stream out.
func Encode(pcm []byte) ([]byte, error) {
	e, err := NewFlac()
	if err != nil {
		return nil, err
	}
	if err := e.EncodePCM(pcm); err != nil {
		return nil, err
	}
	if err := e.Close(); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}
