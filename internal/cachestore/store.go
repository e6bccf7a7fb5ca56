// Package cachestore is the durable response cache: namespaced snapshots
// keyed by a normalized request signature. It holds no caching policy.
package cachestore

import (
	"bytes"
	"context"
	"encoding/gob"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Entry is a captured response.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	Hash32   uint32
}

// Store is implemented by LevelDB and Memory.
//
// Implementations are safe for concurrent use. Each call is atomic on its
// own; a Match followed by a Put is not.
type Store interface {
	// Open creates the namespace if it does not exist.
	Open(ctx context.Context, ns string) error
	// Namespaces lists existing namespaces in lexical order.
	Namespaces(ctx context.Context) ([]string, error)
	// DeleteNamespace drops a namespace and all of its entries. Reports
	// whether it existed.
	DeleteNamespace(ctx context.Context, ns string) (bool, error)
	Match(ctx context.Context, ns, sig string) (Entry, bool, error)
	// Put stores ent under sig, opening ns if needed.
	Put(ctx context.Context, ns, sig string, ent Entry) error
}

// Stats is a point-in-time view of a store's size.
type Stats struct {
	Namespaces int
	Entries    int
	Bytes      int64
}

// Signature normalizes a request into its cache key: upper-cased method and
// absolute URL with lower-cased scheme and host, no fragment, "/" for an
// empty path.
func Signature(method, rawURL string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return method + " " + rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
	return method + " " + u.String()
}

// RequestSignature is Signature for an outgoing request.
func RequestSignature(req *http.Request) string {
	return Signature(req.Method, req.URL.String())
}

// Capture reads and closes resp.Body and returns the snapshot.
func Capture(resp *http.Response) (Entry, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}
	ent := Entry{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UnixNano(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	if ent.Header == nil {
		ent.Header = make(http.Header)
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// Response rebuilds an *http.Response from the snapshot. Every call returns
// an independent body reader.
func (e Entry) Response(req *http.Request) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// OK reports a 2xx status.
func (e Entry) OK() bool { return e.Status >= 200 && e.Status < 300 }

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
