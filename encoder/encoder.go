// Package encoder turns raw 16 kHz mono PCM into the FLAC blobs the artifact
// store persists.
package encoder

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)
