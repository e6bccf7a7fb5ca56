package offline0

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"

	"offline0/internal/notify"
	"offline0/internal/strategy"
)

const controlPrefix = "/__offline0/"

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler serves the application through the layer. Requests with an
// absolute URI (forward-proxy form) are fetched as addressed; everything
// else is sent to the configured origin. Paths under /__offline0/ are
// control endpoints.
func (s *Service) Handler() http.Handler {
	control := http.NewServeMux()
	control.HandleFunc("POST "+controlPrefix+"push", s.handlePush)
	control.HandleFunc("POST "+controlPrefix+"click", s.handleClick)
	control.HandleFunc("POST "+controlPrefix+"sync", s.handleSync)
	control.HandleFunc("GET "+controlPrefix+"queue", s.handleQueue)
	control.HandleFunc("GET "+controlPrefix+"views", s.handleListViews)
	control.HandleFunc("POST "+controlPrefix+"views", s.handleRegisterView)
	control.HandleFunc("DELETE "+controlPrefix+"views/{id}", s.handleUnregisterView)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !r.URL.IsAbs() && strings.HasPrefix(r.URL.Path, controlPrefix) {
			control.ServeHTTP(w, r)
			return
		}
		s.proxy(w, r)
	})
}

func (s *Service) proxy(w http.ResponseWriter, r *http.Request) {
	out, err := s.outbound(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.Fetch(out)
	if err != nil {
		log.Printf("offline0: %s %s: %v", r.Method, out.URL, err)
		setSourceHeader(w.Header(), SourceBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	if !s.router.Route(out).Intercepted() {
		s.writePassThrough(w, resp)
		return
	}
	s.writeResponse(w, resp)
}

// outbound turns an inbound server request into a client request for the
// address it targets.
func (s *Service) outbound(r *http.Request) (*http.Request, error) {
	target := r.URL.String()
	if !r.URL.IsAbs() {
		target = s.cfg.Server.Origin + r.URL.RequestURI()
	}
	body := r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "build request for %s", target)
	}
	copyHeaders(req.Header, r.Header)
	req.ContentLength = r.ContentLength
	if s.router.Route(req).Intercepted() {
		// Stored bodies are kept decoded.
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

func (s *Service) writeResponse(w http.ResponseWriter, resp *http.Response) {
	copyHeaders(w.Header(), resp.Header)
	source := resp.Header.Get(strategy.SourceHeader)
	setSourceHeader(w.Header(), source)
	w.WriteHeader(resp.StatusCode)
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		log.Printf("offline0: write response: %v", err)
		return
	}
	switch source {
	case strategy.SourceCache, strategy.SourceNetwork:
		s.stats.Observe(int(n))
	}
}

// writePassThrough relays a response the layer did not handle. Only the
// outcome header is added, at the proxy boundary.
func (s *Service) writePassThrough(w http.ResponseWriter, resp *http.Response) {
	copyHeaders(w.Header(), resp.Header)
	setSourceHeader(w.Header(), SourcePass)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("offline0: write response: %v", err)
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func setSourceHeader(h http.Header, source string) {
	if source != "" {
		h.Set(strategy.SourceHeader, source)
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, strategy.SourceHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

const maxControlBody = 1 << 20

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.notifier.Push(r.Context(), raw)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type clickRequest struct {
	Notification notify.Notification `json:"notification"`
	Action       string              `json:"action"`
}

func (s *Service) handleClick(w http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, errors.CodeInvalidInput, "decode click"))
		return
	}
	res, err := s.notifier.Click(r.Context(), req.Notification, req.Action)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = s.cfg.Sync.Tag
	}
	pass, err := s.syncer.Trigger(r.Context(), tag)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, pass)
}

// queuedRecord is a pending record without its body.
type queuedRecord struct {
	ID         int64     `json:"id"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Size       int       `json:"size"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (s *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	recs, err := s.queue.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]queuedRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, queuedRecord{
			ID:         rec.ID,
			Method:     rec.Method,
			URL:        rec.URL,
			Size:       len(rec.Body),
			EnqueuedAt: rec.EnqueuedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleListViews(w http.ResponseWriter, r *http.Request) {
	views, err := s.views.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Service) handleRegisterView(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New(errors.CodeInvalidInput, "body must be {\"url\": \"...\"}"))
		return
	}
	writeJSON(w, http.StatusCreated, s.views.Register(req.URL))
}

func (s *Service) handleUnregisterView(w http.ResponseWriter, r *http.Request) {
	if !s.views.Unregister(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, errors.New(errors.CodeNotFound, "view not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("offline0: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errors.ToJSON(err))
}
