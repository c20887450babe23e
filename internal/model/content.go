package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is one typed block of multimodal content.
type ContentPart struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: &ImageURL{URL: url}}
}

func (p ContentPart) validate() error {
	switch p.Type {
	case PartText:
		return nil
	case PartImageURL:
		if p.ImageURL == nil || p.ImageURL.URL == "" {
			return invalid("content", "image_url part requires a url")
		}
		return nil
	default:
		return invalid("content", "unknown part type %q", p.Type)
	}
}

// Content is either plain text or an ordered list of parts. It encodes as a
// JSON string or a JSON array respectively.
type Content struct {
	text  string
	parts []ContentPart
	multi bool
}

func Text(s string) Content {
	return Content{text: s}
}

func Parts(parts ...ContentPart) Content {
	cp := make([]ContentPart, len(parts))
	copy(cp, parts)
	return Content{parts: cp, multi: true}
}

func (c Content) IsParts() bool {
	return c.multi
}

// Parts returns a copy of the parts, or nil for text content.
func (c Content) Parts() []ContentPart {
	if !c.multi {
		return nil
	}
	cp := make([]ContentPart, len(c.parts))
	copy(cp, c.parts)
	return cp
}

// String returns the text, or the text parts joined by newlines.
func (c Content) String() string {
	if !c.multi {
		return c.text
	}
	var texts []string
	for _, p := range c.parts {
		if p.Type == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func (c Content) Validate() error {
	for _, p := range c.parts {
		if err := p.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.multi {
		parts := c.parts
		if parts == nil {
			parts = []ContentPart{}
		}
		return json.Marshal(parts)
	}
	return json.Marshal(c.text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Text(s)
		return nil
	case data[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = Parts(parts...)
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of parts")
	}
}
