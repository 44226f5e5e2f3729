// ABOUTME: Incremental decoder for the vendor's concatenated-JSON push stream
// ABOUTME: Yields one assist frame at a time, tolerant of chunk-split values

package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedStream indicates the push stream carried bytes that do not
// parse as the expected JSON framing.
var ErrMalformedStream = errors.New("malformed upstream stream")

// Frame is one streamAssistResponse push from the vendor.
type Frame struct {
	SessionInfo     *SessionInfo     `json:"sessionInfo,omitempty"`
	Answer          *Answer          `json:"answer,omitempty"`
	GeneratedImages []GeneratedImage `json:"generatedImages,omitempty"`
}

// SessionInfo carries the authoritative session resource path.
type SessionInfo struct {
	Session string `json:"session"`
}

// Answer is the assist answer fragment inside a frame. State transitions to
// SUCCEEDED (or FAILED) on the final frame.
type Answer struct {
	State           string           `json:"state,omitempty"`
	Replies         []Reply          `json:"replies,omitempty"`
	GeneratedImages []GeneratedImage `json:"generatedImages,omitempty"`
}

// Reply is one answer part. Thought replies are reasoning output the
// translator filters from client-visible text.
type Reply struct {
	Thought         bool             `json:"thought,omitempty"`
	GroundedContent GroundedContent  `json:"groundedContent,omitempty"`
	GeneratedImages []GeneratedImage `json:"generatedImages,omitempty"`
}

// GroundedContent wraps the reply content.
type GroundedContent struct {
	Content Content `json:"content,omitempty"`
}

// Content carries reply text and optional media references.
type Content struct {
	Text       string      `json:"text,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
	File       *FileRef    `json:"file,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// FileRef points at a generated file retrievable via DownloadFile.
type FileRef struct {
	FileID   string `json:"fileId"`
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
}

// InlineData is base64 media embedded directly in the stream.
type InlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// GeneratedImage wraps inline generated media (images and videos both arrive
// under this key). Unlike content inlineData, the payload field is named
// bytesBase64Encoded.
type GeneratedImage struct {
	Image *GeneratedMedia `json:"image,omitempty"`
}

// GeneratedMedia is the inline payload of a generated image or video.
type GeneratedMedia struct {
	MimeType           string `json:"mimeType,omitempty"`
	BytesBase64Encoded string `json:"bytesBase64Encoded,omitempty"`
}

// envelope is the top-level object shape; pushes that are not assist
// responses are skipped.
type envelope struct {
	StreamAssistResponse *Frame `json:"streamAssistResponse"`
}

// StreamReader decodes the vendor push stream incrementally. The stream is a
// JSON array of envelope objects whose brackets and separators may land on
// any chunk boundary; values themselves may be split across reads.
type StreamReader struct {
	r    io.Reader
	buf  []byte
	tmp  []byte
	done bool
}

// NewStreamReader wraps a response body for frame-at-a-time decoding.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: r, tmp: make([]byte, 16*1024)}
}

// Next returns the next assist frame, io.EOF at a clean end of stream, or
// ErrMalformedStream when the bytes do not parse.
func (sr *StreamReader) Next() (*Frame, error) {
	for {
		sr.trimSeparators()

		if len(sr.buf) > 0 {
			dec := json.NewDecoder(bytes.NewReader(sr.buf))
			var env envelope
			err := dec.Decode(&env)
			switch {
			case err == nil:
				sr.buf = sr.buf[dec.InputOffset():]
				if env.StreamAssistResponse == nil {
					continue
				}
				return env.StreamAssistResponse, nil
			case errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF):
				// Value split across chunks; read more below.
			default:
				return nil, fmt.Errorf("%w: %v", ErrMalformedStream, err)
			}
		}

		if sr.done {
			if len(sr.buf) > 0 {
				return nil, fmt.Errorf("%w: truncated value at end of stream", ErrMalformedStream)
			}
			return nil, io.EOF
		}

		n, err := sr.r.Read(sr.tmp)
		if n > 0 {
			sr.buf = append(sr.buf, sr.tmp[:n]...)
		}
		if err != nil {
			if err != io.EOF {
				return nil, fmt.Errorf("reading stream: %w", err)
			}
			sr.done = true
		}
	}
}

// trimSeparators drops leading whitespace and the array framing tokens that
// sit between top-level values.
func (sr *StreamReader) trimSeparators() {
	for {
		sr.buf = bytes.TrimLeft(sr.buf, " \t\r\n")
		if len(sr.buf) == 0 {
			return
		}
		switch sr.buf[0] {
		case '[', ',', ']':
			sr.buf = sr.buf[1:]
		default:
			return
		}
	}
}
