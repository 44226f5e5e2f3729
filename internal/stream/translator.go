// ABOUTME: Translates vendor assist frames into ordered client deltas
// ABOUTME: Filters thought output, materializes generated media, honors cancellation

package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/2389/warren-gateway/internal/upstream"
)

// ErrUpstreamProtocol indicates the vendor stream broke the expected framing
// mid-response. Distinct from quota/auth failures: the account is healthy but
// the reply is unusable.
var ErrUpstreamProtocol = errors.New("upstream protocol error")

// Delta is one ordered unit of translated output.
type Delta struct {
	// Role is set on the first delta of a response ("assistant").
	Role string
	// Text carries visible reply text.
	Text string
	// MediaURL points at a materialized generated file.
	MediaURL string
	// Done marks the end of the response. FinalState carries the vendor's
	// closing answer state when one was seen.
	Done       bool
	FinalState string
	// Err terminates the stream abnormally. No Done follows an Err.
	Err error
}

// Materializer persists generated media bytes and returns a servable URL.
type Materializer interface {
	Materialize(ctx context.Context, data []byte, contentType string) (string, error)
}

// Downloader fetches file-id referenced media from the vendor.
type Downloader interface {
	DownloadFile(ctx context.Context, token, session, fileID string) ([]byte, string, error)
}

// Translator converts the vendor push stream into Delta values.
type Translator struct {
	media  Materializer
	files  Downloader
	logger *slog.Logger
}

// NewTranslator builds a translator. media may be nil, in which case
// generated media is dropped with a warning.
func NewTranslator(media Materializer, files Downloader, logger *slog.Logger) *Translator {
	return &Translator{
		media:  media,
		files:  files,
		logger: logger.With("component", "stream"),
	}
}

// fileRef is a generated file queued for download after the text stream ends.
type fileRef struct {
	id       string
	mimeType string
}

// Translate consumes the response body on a new goroutine and emits deltas
// in frame order on the returned channel. The channel closes when the
// response completes, errors, or ctx is cancelled; cancellation closes the
// body promptly and is not reported as an error.
func (t *Translator) Translate(ctx context.Context, body io.ReadCloser, token, session string) <-chan Delta {
	out := make(chan Delta, 8)
	go t.run(ctx, body, token, session, out)
	return out
}

func (t *Translator) run(ctx context.Context, body io.ReadCloser, token, session string, out chan<- Delta) {
	defer close(out)

	// Closing the body unblocks the reader when the consumer goes away.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-watchDone:
			body.Close()
		}
	}()

	reader := upstream.NewStreamReader(body)
	currentSession := session
	var finalState string
	var pending []fileRef
	roleSent := false

	for {
		frame, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("reading stream failed", "error", err)
			// Only broken framing is a protocol error; a failed read is an
			// ordinary upstream failure.
			if errors.Is(err, upstream.ErrMalformedStream) {
				t.send(ctx, out, Delta{Err: fmt.Errorf("%w: %v", ErrUpstreamProtocol, err)})
			} else {
				t.send(ctx, out, Delta{Err: fmt.Errorf("upstream stream: %w", err)})
			}
			return
		}

		// The role delta waits for the first decoded frame so that a stream
		// broken from the first byte surfaces before any output is written.
		if !roleSent {
			if !t.send(ctx, out, Delta{Role: "assistant"}) {
				return
			}
			roleSent = true
		}

		if frame.SessionInfo != nil && frame.SessionInfo.Session != "" {
			currentSession = frame.SessionInfo.Session
		}

		if !t.emitGenerated(ctx, out, frame.GeneratedImages) {
			return
		}

		if frame.Answer == nil {
			continue
		}
		if frame.Answer.State != "" {
			finalState = frame.Answer.State
		}
		if !t.emitGenerated(ctx, out, frame.Answer.GeneratedImages) {
			return
		}

		for _, reply := range frame.Answer.Replies {
			if !t.emitGenerated(ctx, out, reply.GeneratedImages) {
				return
			}

			content := reply.GroundedContent.Content
			if content.File != nil && content.File.FileID != "" {
				pending = append(pending, fileRef{
					id:       content.File.FileID,
					mimeType: content.File.MimeType,
				})
			}
			if content.InlineData != nil {
				if !t.emitInline(ctx, out, content.InlineData.MimeType, content.InlineData.Data) {
					return
				}
			}

			text := visibleText(reply)
			if text == "" {
				continue
			}
			if !t.send(ctx, out, Delta{Text: text}) {
				return
			}
		}
	}

	// An empty but well-formed stream still carries the role.
	if !roleSent {
		if !t.send(ctx, out, Delta{Role: "assistant"}) {
			return
		}
	}

	// File-id referenced media downloads after the text stream drains; the
	// vendor does not serve the files until the answer settles.
	for _, ref := range pending {
		url, ok := t.materializeFile(ctx, token, currentSession, ref)
		if ctx.Err() != nil {
			return
		}
		if !ok {
			continue
		}
		if !t.send(ctx, out, Delta{MediaURL: url}) {
			return
		}
	}

	t.send(ctx, out, Delta{Done: true, FinalState: finalState})
}

// emitGenerated materializes each generatedImages entry. Returns false only
// when the consumer is gone.
func (t *Translator) emitGenerated(ctx context.Context, out chan<- Delta, images []upstream.GeneratedImage) bool {
	for _, gi := range images {
		if gi.Image == nil {
			continue
		}
		if !t.emitInline(ctx, out, gi.Image.MimeType, gi.Image.BytesBase64Encoded) {
			return false
		}
	}
	return true
}

// emitInline decodes base64 media, materializes it, and emits a media delta.
// Returns false only when the consumer is gone.
func (t *Translator) emitInline(ctx context.Context, out chan<- Delta, mimeType, b64 string) bool {
	if b64 == "" {
		return true
	}
	if t.media == nil {
		t.logger.Warn("generated media dropped: no materializer configured")
		return true
	}

	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.logger.Warn("generated media dropped: bad base64", "error", err)
		return true
	}
	url, err := t.media.Materialize(ctx, decoded, mimeType)
	if err != nil {
		t.logger.Warn("materializing inline media failed", "error", err)
		return true
	}
	return t.send(ctx, out, Delta{MediaURL: url})
}

// materializeFile downloads a referenced file and hands it to the
// materializer. Failures are logged and skipped; a missing file never kills
// the text that already streamed.
func (t *Translator) materializeFile(ctx context.Context, token, session string, ref fileRef) (string, bool) {
	if t.files == nil || t.media == nil {
		t.logger.Warn("file reference dropped: downloader or materializer missing", "file_id", ref.id)
		return "", false
	}

	data, contentType, err := t.files.DownloadFile(ctx, token, session, ref.id)
	if err != nil {
		t.logger.Warn("downloading generated file failed", "file_id", ref.id, "error", err)
		return "", false
	}
	if contentType == "" {
		contentType = ref.mimeType
	}
	url, err := t.media.Materialize(ctx, data, contentType)
	if err != nil {
		t.logger.Warn("materializing generated file failed", "file_id", ref.id, "error", err)
		return "", false
	}
	return url, true
}

func (t *Translator) send(ctx context.Context, out chan<- Delta, d Delta) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// visibleText extracts client-visible text from a reply, filtering thought
// output: the thought flag at either level, or a `**`-prefixed heading the
// vendor uses for reasoning titles. Bare code-fence markers are dropped too.
func visibleText(reply upstream.Reply) string {
	content := reply.GroundedContent.Content
	if reply.Thought || content.Thought {
		return ""
	}
	text := content.Text
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.HasPrefix(trimmed, "**") {
		return ""
	}
	if trimmed == "```json" || trimmed == "```" {
		return ""
	}
	return text
}
