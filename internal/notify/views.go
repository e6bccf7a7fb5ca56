package notify

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
)

// View is an open application window or tab.
type View struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Focused   bool      `json:"focused"`
	OpenedAt  time.Time `json:"opened_at"`
	FocusedAt time.Time `json:"focused_at,omitzero"`
}

type Views interface {
	// List returns views in the order they were opened.
	List(ctx context.Context) ([]View, error)
	Focus(ctx context.Context, id string) error
	Open(ctx context.Context, url string) (View, error)
}

// ViewRegistry tracks views that announced themselves. Opening a view
// records it as requested; the shell that renders it registers under the
// returned ID.
type ViewRegistry struct {
	mu    sync.Mutex
	views map[string]View
	now   func() time.Time
}

func NewViewRegistry() *ViewRegistry {
	return &ViewRegistry{views: make(map[string]View), now: time.Now}
}

func (r *ViewRegistry) Register(url string) View {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := View{ID: uuid.NewString(), URL: url, OpenedAt: r.now()}
	r.views[v.ID] = v
	return v
}

func (r *ViewRegistry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.views[id]
	delete(r.views, id)
	return ok
}

func (r *ViewRegistry) List(context.Context) ([]View, error) {
	r.mu.Lock()
	out := make([]View, 0, len(r.views))
	for _, v := range r.views {
		out = append(out, v)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *ViewRegistry) Focus(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[id]
	if !ok {
		return errors.Newf(errors.CodeNotFound, "view %s not found", id)
	}
	for k, other := range r.views {
		if other.Focused {
			other.Focused = false
			r.views[k] = other
		}
	}
	v.Focused = true
	v.FocusedAt = r.now()
	r.views[id] = v
	return nil
}

func (r *ViewRegistry) Open(_ context.Context, url string) (View, error) {
	v := r.Register(url)
	log.Printf("notify: opened view id=%s url=%s", v.ID, url)
	return v, nil
}
