package mailbox

import (
	"bytes"
	"errors"
	"html"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
)

const maxTextBytes = 256 * 1024

var stripPolicy = bluemonday.StrictPolicy()

// ExtractText returns the human-readable text of a raw RFC 5322 message:
// the first text/plain part, else the first text/html part with markup
// removed, else the raw message itself.
func ExtractText(raw []byte) string {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return truncate(string(raw))
	}
	defer reader.Close()

	var plain, htmlText string
	for plain == "" {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !message.IsUnknownCharset(err) {
				break
			}
			if part == nil {
				continue
			}
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mimeType, _, cterr := inline.ContentType()
		if cterr != nil || mimeType == "" {
			mimeType = "text/plain"
		}
		body, rerr := io.ReadAll(io.LimitReader(part.Body, maxTextBytes))
		if rerr != nil || len(body) == 0 {
			continue
		}
		switch {
		case strings.HasPrefix(mimeType, "text/plain"):
			plain = string(body)
		case strings.HasPrefix(mimeType, "text/html") && htmlText == "":
			htmlText = StripHTML(string(body))
		}
	}

	if plain != "" {
		return plain
	}
	if htmlText != "" {
		return htmlText
	}
	return truncate(string(raw))
}

// StripHTML removes all markup and decodes entities.
func StripHTML(s string) string {
	return html.UnescapeString(stripPolicy.Sanitize(s))
}

func truncate(s string) string {
	if len(s) <= maxTextBytes {
		return s
	}
	return s[:maxTextBytes]
}
