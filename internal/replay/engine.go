// Package replay queues mutating requests that fail for lack of connectivity
// and drains the queue against the origin once a sync trigger arrives.
//
// A record leaves the queue only after the origin answered its replay with a
// 2xx status. Delivery is at-least-once: a record whose delete fails after a
// successful replay is sent again on the next pass.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/jmgilman/go/errors"

	"offline0/internal/observe"
	"offline0/internal/queuestore"
	"offline0/internal/strategy"
)

const (
	DefaultTag     = "sync-reports"
	QueuedMessage  = "Guardado localmente. Se sincronizará cuando vuelva la conexión."
	CompletedTitle = "Sincronización completa"
)

// Registrar records the intent to run a replay pass under a sync tag.
type Registrar interface {
	Register(ctx context.Context, tag string) error
}

// Announcer raises a local notification.
type Announcer interface {
	Announce(ctx context.Context, title, body string) error
}

// Deps wires an Engine. Queue and Net are required.
type Deps struct {
	Queue     queuestore.Store
	Net       strategy.Fetcher
	Sync      Registrar
	Announcer Announcer
	Metrics   *observe.Metrics
	// Tag defaults to DefaultTag.
	Tag string
	Now func() time.Time
}

type Engine struct {
	queue     queuestore.Store
	net       strategy.Fetcher
	sync      Registrar
	announcer Announcer
	metrics   *observe.Metrics
	tag       string
	now       func() time.Time
}

func New(d Deps) *Engine {
	e := &Engine{
		queue:     d.Queue,
		net:       d.Net,
		sync:      d.Sync,
		announcer: d.Announcer,
		metrics:   d.Metrics,
		tag:       d.Tag,
		now:       d.Now,
	}
	if e.tag == "" {
		e.tag = DefaultTag
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) Tag() string { return e.tag }

// SetRegistrar replaces the sync registrar. The syncer and the engine refer
// to each other, so one side is wired after construction.
func (e *Engine) SetRegistrar(r Registrar) { e.sync = r }

// Ack is the body of the optimistic acknowledgement.
type Ack struct {
	OK      bool   `json:"ok"`
	Offline bool   `json:"offline"`
	Message string `json:"message"`
}

// Handle sends a mutating request. Any origin response is returned as is.
// When the network fails the request is queued and the caller receives a
// 202 acknowledgement instead of an error.
func (e *Engine) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "read request body")
	}

	resp, err := e.send(ctx, req.Method, req.URL.String(), req.Header, body)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, errors.Wrap(err, errors.CodeUnavailable, "caller gave up before the request completed")
	}

	rec := queuestore.Record{
		URL:        req.URL.String(),
		Method:     req.Method,
		Header:     req.Header.Clone(),
		Body:       body,
		EnqueuedAt: e.now(),
	}
	id, qerr := e.queue.Append(ctx, rec)
	if qerr != nil {
		return nil, errors.Wrapf(qerr, errors.CodeDatabase, "queue %s %s", req.Method, req.URL)
	}
	e.metrics.Enqueued(ctx)
	log.Printf("replay: offline, queued id=%d %s %s", id, req.Method, req.URL)

	if e.sync != nil {
		if err := e.sync.Register(ctx, e.tag); err != nil {
			log.Printf("replay: register sync tag=%s: %v", e.tag, err)
		}
	}
	return acknowledge(req)
}

// Pass summarizes one replay pass.
type Pass struct {
	Attempted int `json:"attempted"`
	Resolved  int `json:"resolved"`
	// Pending lists the IDs still queued after the pass, in FIFO order.
	Pending []int64 `json:"pending"`
}

func (p Pass) String() string {
	return fmt.Sprintf("attempted=%d resolved=%d pending=%d", p.Attempted, p.Resolved, len(p.Pending))
}

// Replay resends a snapshot of the queue in FIFO order. Passes may run
// concurrently; a record resolved by one pass and deleted again by another
// is harmless.
func (e *Engine) Replay(ctx context.Context) (Pass, error) {
	recs, err := e.queue.List(ctx)
	if err != nil {
		return Pass{}, errors.Wrap(err, errors.CodeDatabase, "list queued records")
	}
	if len(recs) == 0 {
		return Pass{}, nil
	}

	var pass Pass
	for i, rec := range recs {
		if ctx.Err() != nil {
			for _, r := range recs[i:] {
				pass.Pending = append(pass.Pending, r.ID)
			}
			break
		}
		pass.Attempted++
		if e.replayOne(ctx, rec) {
			pass.Resolved++
		} else {
			pass.Pending = append(pass.Pending, rec.ID)
		}
	}

	log.Printf("replay: pass done %s", pass)
	// Passes that resolved nothing stay silent; a periodic trigger during an
	// outage would otherwise announce a completion every time.
	if pass.Resolved > 0 && e.announcer != nil {
		if err := e.announcer.Announce(ctx, CompletedTitle, summary(pass)); err != nil {
			log.Printf("replay: announce: %v", err)
		}
	}
	return pass, nil
}

// replayOne reports whether rec was confirmed and removed.
func (e *Engine) replayOne(ctx context.Context, rec queuestore.Record) bool {
	resp, err := e.send(ctx, rec.Method, rec.URL, rec.Header, rec.Body)
	if err != nil {
		e.metrics.Retained(ctx, "network")
		log.Printf("replay: network id=%d %s %s: %v", rec.ID, rec.Method, rec.URL, err)
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e.metrics.Retained(ctx, "rejected")
		rerr := errors.Newf(statusCode(resp.StatusCode), "origin rejected %s %s with %d", rec.Method, rec.URL, resp.StatusCode)
		log.Printf("replay: rejected id=%d: %v", rec.ID, rerr)
		return false
	}

	if err := e.queue.Delete(ctx, rec.ID); err != nil {
		log.Printf("replay: delete id=%d after %d, will resend: %v", rec.ID, resp.StatusCode, err)
		return false
	}
	e.metrics.Resolved(ctx)
	log.Printf("replay: resolved id=%d %s %s status=%d", rec.ID, rec.Method, rec.URL, resp.StatusCode)
	return true
}

func (e *Engine) send(ctx context.Context, method, rawURL string, h http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "build %s %s", method, rawURL)
	}
	if h != nil {
		req.Header = h.Clone()
	}
	if len(body) == 0 {
		req.Body = http.NoBody
		req.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		req.ContentLength = 0
	}
	resp, err := e.net.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "send %s %s", method, rawURL)
	}
	return resp, nil
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func acknowledge(req *http.Request) (*http.Response, error) {
	b, err := json.Marshal(Ack{OK: true, Offline: true, Message: QueuedMessage})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "encode acknowledgement")
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(b)))
	h.Set(strategy.SourceHeader, strategy.SourceQueued)
	return &http.Response{
		Status:        "202 Accepted",
		StatusCode:    http.StatusAccepted,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(b)),
		ContentLength: int64(len(b)),
		Request:       req,
	}, nil
}

func summary(p Pass) string {
	if len(p.Pending) == 0 {
		return "Tus reportes se han sincronizado correctamente"
	}
	return fmt.Sprintf("%d de %d reportes sincronizados; el resto se reintentará", p.Resolved, p.Attempted)
}

// statusCode maps an origin rejection onto the error taxonomy so that log
// readers can tell client mistakes from server trouble.
func statusCode(status int) errors.ErrorCode {
	switch {
	case status == http.StatusUnauthorized:
		return errors.CodeUnauthorized
	case status == http.StatusForbidden:
		return errors.CodeForbidden
	case status == http.StatusNotFound:
		return errors.CodeNotFound
	case status == http.StatusConflict:
		return errors.CodeConflict
	case status == http.StatusTooManyRequests:
		return errors.CodeRateLimit
	case status >= 500:
		return errors.CodeUnavailable
	default:
		return errors.CodeInvalidInput
	}
}
