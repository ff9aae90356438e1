package bridge

import "context"

// AttachmentKind classifies a bridge attachment. Only images are mirrored;
// everything else is logged and dropped by consumers.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment is one attachment block of an inbound bridge event. The bridge
// is loose about where image URLs live, so both URL and Images may be set.
type Attachment struct {
	Kind   AttachmentKind `json:"kind"`
	URL    string         `json:"url,omitempty"`
	Images []string       `json:"images,omitempty"`
}

// Event is an inbound chat event produced by the bridge. Events are assumed
// reliable and ordered per room.
type Event struct {
	RoomID      string       `json:"room_id"`
	MessageID   string       `json:"message_id"`
	SenderID    string       `json:"sender_id"`
	SenderName  string       `json:"sender_name,omitempty"`
	Kind        string       `json:"kind,omitempty"` // "message", "member_join", ...
	Text        string       `json:"text,omitempty"`
	AltText     string       `json:"alt_text,omitempty"` // display fallback for rich messages
	Attachments []Attachment `json:"attachments,omitempty"`
}

const (
	EventMessage    = "message"
	EventMemberJoin = "member_join"
)

// Sender is the outbound transport: a fire-and-forget remote call. The
// caller bounds each send with its own context timeout; expiry counts as a
// delivery failure.
type Sender interface {
	SendText(ctx context.Context, target string, text string) error
	SendImages(ctx context.Context, target string, urls []string) error
}

// Handler consumes inbound events. Errors are the handler's own business;
// the listener logs and keeps going.
type Handler func(ctx context.Context, ev Event)

// Listener delivers inbound bridge events to a handler until the context is
// canceled or Stop is called.
type Listener interface {
	Start(ctx context.Context, h Handler) error
	Stop(ctx context.Context) error
}
