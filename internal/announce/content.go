package announce

import (
	"strings"

	"relaybot/internal/bridge"
)

// content is what survives extraction from an inbound event: a text body,
// a de-duplicated ordered list of image URLs, and whether anything we can't
// mirror (video/audio/file) was attached.
type content struct {
	text           string
	images         []string
	hasUnsupported bool
}

func (c content) empty() bool { return c.text == "" && len(c.images) == 0 }

// extractContent pulls text and images out of an event. The bridge is loose
// about field placement, so text falls back from Text to AltText and image
// URLs are accepted from every attachment field that passes the image
// heuristics.
func extractContent(ev bridge.Event) content {
	var c content

	c.text = ev.Text
	if c.text == "" {
		c.text = ev.AltText
	}

	seen := map[string]bool{}
	add := func(url string) {
		url = strings.TrimSpace(url)
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		c.images = append(c.images, url)
	}

	for _, at := range ev.Attachments {
		switch at.Kind {
		case bridge.AttachmentImage:
			for _, img := range at.Images {
				add(img)
			}
			if at.URL != "" {
				add(at.URL)
			}
		case bridge.AttachmentVideo, bridge.AttachmentAudio, bridge.AttachmentFile:
			c.hasUnsupported = true
		default:
			// Untyped attachments still count as images when the URL looks
			// like one.
			for _, img := range at.Images {
				add(img)
			}
			if isImageURL(at.URL) {
				add(at.URL)
			}
		}
	}

	return c
}

// isImageURL recognizes image URLs by file extension or known CDN paths.
func isImageURL(url string) bool {
	lower := strings.ToLower(url)
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".gif", ".webp"} {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	return strings.Contains(lower, "/image/") || strings.Contains(lower, "kakaocdn")
}
