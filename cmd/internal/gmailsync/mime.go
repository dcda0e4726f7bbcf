package gmailsync

import (
	"encoding/base64"
	"strings"

	gmailv1 "google.golang.org/api/gmail/v1"
)

// plainBody walks a MIME tree and returns the first text/plain body. Inside
// multipart parts direct text/plain children win over nested ones.
func plainBody(part *gmailv1.MessagePart) string {
	if part == nil {
		return ""
	}
	if strings.EqualFold(part.MimeType, "text/plain") && part.Body != nil && part.Body.Data != "" {
		return decodeBase64URL(part.Body.Data)
	}
	for _, sub := range part.Parts {
		if strings.EqualFold(sub.MimeType, "text/plain") {
			if body := plainBody(sub); body != "" {
				return body
			}
		}
	}
	for _, sub := range part.Parts {
		if body := plainBody(sub); body != "" {
			return body
		}
	}
	return ""
}

func htmlBody(part *gmailv1.MessagePart) string {
	if part == nil {
		return ""
	}
	if strings.EqualFold(part.MimeType, "text/html") && part.Body != nil && part.Body.Data != "" {
		return decodeBase64URL(part.Body.Data)
	}
	for _, sub := range part.Parts {
		if body := htmlBody(sub); body != "" {
			return body
		}
	}
	return ""
}

var blockTags = []string{"<br>", "<br/>", "<br />", "</p>", "</div>", "</tr>", "</li>", "</blockquote>", "</h1>", "</h2>", "</h3>", "</h4>", "</h5>", "</h6>"}

var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", "\"",
	"&#39;", "'",
	"&apos;", "'",
	"&nbsp;", " ",
)

// stripHTML turns an HTML body into readable text.
func stripHTML(html string) string {
	for _, tag := range blockTags {
		html = strings.ReplaceAll(html, tag, "\n")
		html = strings.ReplaceAll(html, strings.ToUpper(tag), "\n")
	}

	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	out := entityReplacer.Replace(b.String())

	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}

// decodeBase64URL accepts padded and unpadded base64url; Gmail sends either.
func decodeBase64URL(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}

// attachmentNames lists parts that carry a filename.
func attachmentNames(part *gmailv1.MessagePart) []attachment {
	if part == nil {
		return nil
	}
	var out []attachment
	if part.Filename != "" {
		a := attachment{Name: part.Filename, MimeType: part.MimeType}
		if part.Body != nil {
			a.Size = part.Body.Size
			a.GmailID = part.Body.AttachmentId
		}
		out = append(out, a)
	}
	for _, sub := range part.Parts {
		out = append(out, attachmentNames(sub)...)
	}
	return out
}

type attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	GmailID  string `json:"gmail_attachment_id,omitempty"`
}
