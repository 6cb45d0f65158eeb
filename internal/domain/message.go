package domain

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/acme/whatsapp-broadcast/pkg/errors"
)

// MessageType enumerates the WhatsApp message kinds a campaign can carry.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessageImage       MessageType = "image"
	MessageDocument    MessageType = "document"
	MessageAudio       MessageType = "audio"
	MessageVideo       MessageType = "video"
	MessageLocation    MessageType = "location"
	MessageContact     MessageType = "contact"
	MessageTemplate    MessageType = "template"
	MessageInteractive MessageType = "interactive"
)

// IsMedia reports whether the type carries an uploaded media object.
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageImage, MessageDocument, MessageAudio, MessageVideo:
		return true
	}
	return false
}

// Message is a tagged variant keyed by Type. Exactly one content field is
// populated, matching Type; media types use Media and may add a caption.
type Message struct {
	Type        MessageType         `json:"type"`
	Text        *TextContent        `json:"text,omitempty"`
	Media       *MediaContent       `json:"media,omitempty"`
	Location    *LocationContent    `json:"location,omitempty"`
	Contact     *ContactCard        `json:"contact,omitempty"`
	Template    *TemplateContent    `json:"template,omitempty"`
	Interactive *InteractiveContent `json:"interactive,omitempty"`
}

type TextContent struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type MediaContent struct {
	ID       string `json:"id,omitempty"`
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type ContactCard struct {
	FormattedName string   `json:"formatted_name"`
	Phones        []string `json:"phones,omitempty"`
	Emails        []string `json:"emails,omitempty"`
}

type TemplateContent struct {
	Name       string              `json:"name"`
	Language   string              `json:"language"`
	Components []TemplateComponent `json:"components,omitempty"`
}

type TemplateComponent struct {
	Type       string   `json:"type"`
	SubType    string   `json:"sub_type,omitempty"`
	Index      *int     `json:"index,omitempty"`
	Parameters []string `json:"parameters,omitempty"`
}

// InteractiveContent keeps the provider's interactive object as raw JSON; its
// shape depends on the interactive sub-type (button, list, product...).
type InteractiveContent struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Validate checks that the populated content matches the message type.
func (m Message) Validate() error {
	switch {
	case m.Type == MessageText:
		if m.Text == nil || m.Text.Body == "" {
			return fmt.Errorf("%w: text body is required", apperrors.ErrValidation)
		}
	case m.Type.IsMedia():
		if m.Media == nil || (m.Media.ID == "" && m.Media.Link == "") {
			return fmt.Errorf("%w: %s requires a media id or link", apperrors.ErrValidation, m.Type)
		}
	case m.Type == MessageLocation:
		if m.Location == nil {
			return fmt.Errorf("%w: location content is required", apperrors.ErrValidation)
		}
	case m.Type == MessageContact:
		if m.Contact == nil || m.Contact.FormattedName == "" {
			return fmt.Errorf("%w: contact card requires a formatted name", apperrors.ErrValidation)
		}
	case m.Type == MessageTemplate:
		if m.Template == nil || m.Template.Name == "" || m.Template.Language == "" {
			return fmt.Errorf("%w: template name and language are required", apperrors.ErrValidation)
		}
	case m.Type == MessageInteractive:
		if m.Interactive == nil || len(m.Interactive.Body) == 0 {
			return fmt.Errorf("%w: interactive body is required", apperrors.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unsupported type %q", apperrors.ErrValidation, m.Type)
	}
	return nil
}
