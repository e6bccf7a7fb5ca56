package notify

import (
	"context"
	"log"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"

	"offline0/internal/observe"
)

type Options struct {
	// Origin is the application origin, e.g. https://reportes.example.
	Origin string
	Icon   string
	Badge  string
}

// Deliverer shows notifications and handles clicks on them.
type Deliverer struct {
	surface Surface
	views   Views
	metrics *observe.Metrics
	origin  *url.URL
	icon    string
	badge   string
}

func NewDeliverer(surface Surface, views Views, metrics *observe.Metrics, opts Options) (*Deliverer, error) {
	origin, err := url.Parse(opts.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, errors.Newf(errors.CodeInvalidConfig, "notification origin %q must be an absolute URL", opts.Origin)
	}
	if surface == nil {
		surface = LogSurface{}
	}
	d := &Deliverer{
		surface: surface,
		views:   views,
		metrics: metrics,
		origin:  &url.URL{Scheme: origin.Scheme, Host: origin.Host},
		icon:    opts.Icon,
		badge:   opts.Badge,
	}
	if d.icon == "" {
		d.icon = DefaultIcon
	}
	if d.badge == "" {
		d.badge = DefaultBadge
	}
	return d, nil
}

// Push shows a notification for a raw push payload. Malformed payloads still
// produce a notification.
func (d *Deliverer) Push(ctx context.Context, raw []byte) (Notification, error) {
	n := ParsePush(raw)
	n.Icon = d.icon
	n.Badge = d.badge
	return n, d.show(ctx, n)
}

// Announce shows a local notification raised by the layer itself.
func (d *Deliverer) Announce(ctx context.Context, title, body string) error {
	n := Notification{
		ID:    uuid.NewString(),
		Kind:  "sync",
		Title: title,
		Body:  body,
		Icon:  d.icon,
		Data:  map[string]any{},
	}
	return d.show(ctx, n)
}

func (d *Deliverer) show(ctx context.Context, n Notification) error {
	if err := d.surface.Show(ctx, n); err != nil {
		return errors.Wrapf(err, errors.CodeUnavailable, "show %s notification", n.Kind)
	}
	d.metrics.Delivered(ctx, n.Kind)
	return nil
}

// ClickResult reports what a click did.
type ClickResult struct {
	Focused string `json:"focused,omitempty"`
	Opened  string `json:"opened,omitempty"`
}

// Click handles a click on n. The open action, or a click on the body,
// focuses the first view already showing the application, or else opens
// data.url (default "/"). Other actions only dismiss the notification.
func (d *Deliverer) Click(ctx context.Context, n Notification, action string) (ClickResult, error) {
	if action != "" && action != ActionOpen {
		return ClickResult{}, nil
	}

	views, err := d.views.List(ctx)
	if err != nil {
		return ClickResult{}, errors.Wrap(err, errors.CodeInternal, "list views")
	}
	for _, v := range views {
		if !d.sameOrigin(v.URL) {
			continue
		}
		if err := d.views.Focus(ctx, v.ID); err != nil {
			log.Printf("notify: focus view id=%s: %v", v.ID, err)
			continue
		}
		return ClickResult{Focused: v.ID}, nil
	}

	target := d.resolve(n.URL())
	v, err := d.views.Open(ctx, target)
	if err != nil {
		return ClickResult{}, errors.Wrapf(err, errors.CodeInternal, "open view %s", target)
	}
	return ClickResult{Opened: v.ID}, nil
}

func (d *Deliverer) sameOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, d.origin.Scheme) && strings.EqualFold(u.Host, d.origin.Host)
}

func (d *Deliverer) resolve(target string) string {
	if target == "" {
		target = "/"
	}
	ref, err := url.Parse(target)
	if err != nil {
		ref = &url.URL{Path: "/"}
	}
	return d.origin.ResolveReference(ref).String()
}
