package lifecycle

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/jmgilman/go/errors"
)

// buildChunk is one entry of a Vite build manifest.
type buildChunk struct {
	File   string   `json:"file"`
	CSS    []string `json:"css"`
	Assets []string `json:"assets"`
}

// discoverBuildAssets fetches the build manifest and returns the emitted
// files it lists as root-relative paths, sorted.
func (m *Manager) discoverBuildAssets(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.resolve(m.opts.BuildManifest), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "build manifest request")
	}
	resp, err := m.net.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNetwork, "fetch build manifest")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, errors.Newf(errors.CodeNotFound, "unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var chunks map[string]buildChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunks); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "decode build manifest")
	}

	seen := map[string]struct{}{}
	add := func(p string) {
		if p = normalizePath(p); p != "" {
			seen[p] = struct{}{}
		}
	}
	for _, c := range chunks {
		add(c.File)
		for _, p := range c.CSS {
			add(p)
		}
		for _, p := range c.Assets {
			add(p)
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
