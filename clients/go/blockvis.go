// Package blockvis provides client interfaces and domain types for the
// blockvis visibility service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import blockvishttp "github.com/matt-riley/blockvis/clients/go/http"
//	import blockvisgrpc "github.com/matt-riley/blockvis/clients/go/grpc"
package blockvis

import (
	"context"
	"encoding/json"
	"time"
)

// Event types delivered by Watcher.
const (
	EventUpdate   = "update"
	EventDelete   = "delete"
	EventSettings = "settings"
	EventError    = "error"
)

// BlockManager covers CRUD operations on stored blocks.
type BlockManager interface {
	CreateBlock(ctx context.Context, block Block) (Block, error)
	GetBlock(ctx context.Context, key string) (Block, error)
	ListBlocks(ctx context.Context) ([]Block, error)
	UpdateBlock(ctx context.Context, block Block) (Block, error)
	DeleteBlock(ctx context.Context, key string) error
}

// Renderer decides block visibility for a visitor.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) ([]RenderResult, error)
	Preview(ctx context.Context, req PreviewRequest) (Decision, error)
	ListControls(ctx context.Context) ([]Control, error)
}

// Watcher delivers block and settings change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Watcher interface {
	Watch(ctx context.Context, opts WatchOptions) (<-chan BlockEvent, error)
}

// Block is a stored block and its visibility attributes.
type Block struct {
	Key         string          `json:"key"`
	BlockType   string          `json:"block_type"`
	Description string          `json:"description"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Control describes one registered visibility control, in evaluation order.
type Control struct {
	ID                  string          `json:"id"`
	Label               string          `json:"label"`
	Icon                string          `json:"icon,omitempty"`
	SettingSlug         string          `json:"setting_slug,omitempty"`
	Defaults            json.RawMessage `json:"defaults,omitempty"`
	Kind                string          `json:"kind"`
	RequiresIntegration string          `json:"requires_integration,omitempty"`
	DependsOnUserState  bool            `json:"depends_on_user_state,omitempty"`
}

// User is the signed-in state of the visitor.
type User struct {
	ID       string              `json:"id,omitempty"`
	LoggedIn bool                `json:"logged_in"`
	Roles    []string            `json:"roles,omitempty"`
	Tags     map[string][]string `json:"tags,omitempty"`
}

// Integration is the state of a third-party plugin for the visitor.
type Integration struct {
	Active bool            `json:"active"`
	Tags   []string        `json:"tags,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Visitor describes the page view a decision is made for. Zero fields are
// unknown to the server.
type Visitor struct {
	User         *User                  `json:"user,omitempty"`
	Integrations map[string]Integration `json:"integrations,omitempty"`
	Metadata     json.RawMessage        `json:"metadata,omitempty"`

	// URL is the page path and query, e.g. "/shop?ref=mail".
	URL         string            `json:"url,omitempty"`
	Cookies     map[string]string `json:"cookies,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Referrer    string            `json:"referrer,omitempty"`
	ScreenWidth int               `json:"screen_width,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
}

type RenderRequest struct {
	Keys    []string
	Visitor Visitor
	// Explain asks for the full decision trace of every found block.
	Explain bool
}

type RenderResult struct {
	Key         string    `json:"key"`
	Found       bool      `json:"found"`
	Visible     bool      `json:"visible"`
	ClientHints []string  `json:"client_hints,omitempty"`
	Decision    *Decision `json:"decision,omitempty"`
}

// PreviewRequest decides unsaved attributes. Now pins the clock as RFC 3339.
type PreviewRequest struct {
	Attributes json.RawMessage
	BlockType  string
	IsChild    bool
	Visitor    Visitor
	Now        string
}

type Decision struct {
	Visible      bool       `json:"visible"`
	ShortCircuit bool       `json:"short_circuit,omitempty"`
	Logic        string     `json:"logic"`
	Sets         []SetTrace `json:"sets,omitempty"`
	ClientHints  []string   `json:"client_hints,omitempty"`
}

type SetTrace struct {
	ID       string         `json:"id"`
	Visible  bool           `json:"visible"`
	Controls []ControlTrace `json:"controls"`
}

type ControlTrace struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	State     string `json:"state"`
	Recovered bool   `json:"recovered,omitempty"`
}

type WatchOptions struct {
	// LastEventID resumes after this event.
	LastEventID int64
	// Key limits the stream to one block. Keyed streams omit settings events.
	Key string
}

// BlockEvent is a change notification.
type BlockEvent struct {
	Type    string
	Key     string
	EventID int64
	Block   *Block // set on update
	Payload json.RawMessage
}

// DecodeEvent builds a BlockEvent from its wire form. Update payloads carry
// the stored block.
func DecodeEvent(eventType string, eventID int64, key string, payload json.RawMessage) BlockEvent {
	ev := BlockEvent{Type: eventType, Key: key, EventID: eventID, Payload: payload}
	switch eventType {
	case EventUpdate:
		var b Block
		if err := json.Unmarshal(payload, &b); err == nil {
			ev.Block = &b
			if ev.Key == "" {
				ev.Key = b.Key
			}
		}
	case EventDelete:
		if ev.Key == "" {
			var b struct {
				Key string `json:"key"`
			}
			if err := json.Unmarshal(payload, &b); err == nil {
				ev.Key = b.Key
			}
		}
	}
	return ev
}
