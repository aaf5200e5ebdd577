// Package transcribe turns uploaded voice recordings into message
// transcripts: byte-level validation, the external speech service client,
// and the background job manager.
package transcribe

import (
	"bytes"

	"github.com/pkg/errors"
)

// Size gates applied before any network call.
const (
	MinAudioBytes = 1000
	MaxAudioBytes = 25 * 1024 * 1024
)

// Validation failures. All of them short-circuit the pipeline without
// contacting the speech service.
var (
	ErrEmptyAudio    = errors.New("voice recording is empty")
	ErrAudioTooSmall = errors.New("voice recording is too small to be valid audio")
	ErrAudioTooLarge = errors.New("voice recording exceeds the maximum size")
	ErrUnknownFormat = errors.New("unrecognized audio format")
)

var audioSignatures = [][]byte{
	[]byte("RIFF"),               // wav
	[]byte("ID3"),                // mp3 with ID3 tag
	{0xFF, 0xFB},                 // mp3 without ID3
	[]byte("OggS"),               // ogg
	[]byte("fLaC"),               // flac
	{0x1A, 0x45, 0xDF, 0xA3},     // webm / matroska EBML header
}

// ValidateAudio rejects payloads the speech service would refuse: empty or
// undersized files, oversized files, and content whose leading bytes match no
// known audio signature.
func ValidateAudio(data []byte) error {
	switch {
	case len(data) == 0:
		return ErrEmptyAudio
	case len(data) < MinAudioBytes:
		return ErrAudioTooSmall
	case len(data) > MaxAudioBytes:
		return ErrAudioTooLarge
	}

	for _, sig := range audioSignatures {
		if bytes.HasPrefix(data, sig) {
			return nil
		}
	}
	// mp3 frame sync without a container header
	if data[0] == 0xFF && data[1]&0xE0 == 0xE0 {
		return nil
	}
	// webm/matroska sometimes buries its marker past the EBML header
	head := data
	if len(head) > 100 {
		head = head[:100]
	}
	if bytes.Contains(head, []byte("matroska")) || bytes.Contains(head, []byte("webm")) {
		return nil
	}
	return ErrUnknownFormat
}
