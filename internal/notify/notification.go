// Package notify turns push payloads and replay summaries into
// notifications, shows them on the configured surfaces and routes clicks to
// application views.
package notify

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

const (
	ActionOpen  = "open"
	ActionClose = "close"
)

const (
	DefaultIcon  = "/logo-jantetelco.jpg"
	DefaultBadge = "/favicon.ico"
)

// Titles and bodies used when a push payload is missing or incomplete.
const (
	unreadableTitle = "Nuevo reporte"
	unreadableBody  = "Tienes una actualización"
	fallbackTitle   = "Reportes Ciudadanos"
	fallbackBody    = "Tienes una nueva notificación"
)

var defaultVibrate = []int{100, 50, 100}

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is what a surface shows. Data carries the push payload's
// data object unchanged.
type Notification struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Tag     string         `json:"tag,omitempty"`
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Icon    string         `json:"icon,omitempty"`
	Badge   string         `json:"badge,omitempty"`
	Vibrate []int          `json:"vibrate,omitempty"`
	Data    map[string]any `json:"data"`
	Actions []Action       `json:"actions,omitempty"`
}

// URL is data.url when it is a non-empty string.
func (n Notification) URL() string {
	if s, ok := n.Data["url"].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

type pushPayload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data"`
}

// ParsePush builds a push notification from a raw payload. It never fails:
// an empty or unreadable payload yields a generic update notice, and a
// readable payload with missing fields gets per-field defaults.
func ParsePush(raw []byte) Notification {
	n := Notification{
		ID:      uuid.NewString(),
		Kind:    "push",
		Title:   unreadableTitle,
		Body:    unreadableBody,
		Icon:    DefaultIcon,
		Badge:   DefaultBadge,
		Vibrate: append([]int(nil), defaultVibrate...),
		Data:    map[string]any{},
		Actions: []Action{{Action: ActionOpen, Title: "Ver"}, {Action: ActionClose, Title: "Cerrar"}},
	}

	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || !json.Valid(raw) {
		return n
	}

	// Valid JSON that is not an object decodes to nothing and takes the
	// per-field defaults.
	var p pushPayload
	_ = json.Unmarshal(raw, &p)

	n.Title = p.Title
	if n.Title == "" {
		n.Title = fallbackTitle
	}
	n.Body = p.Body
	if n.Body == "" {
		n.Body = fallbackBody
	}
	if p.Data != nil {
		n.Data = p.Data
	}
	return n
}
