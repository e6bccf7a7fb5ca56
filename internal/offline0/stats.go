package offline0

import (
	"context"
	"log"
	"time"

	"offline0/internal/cachestore"
	"offline0/internal/config"
	"offline0/internal/observe"
)

type cacheStats interface {
	Stats() cachestore.Stats
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cs cachestore.Stats
	if st, ok := s.cache.(cacheStats); ok {
		cs = st.Stats()
	}
	depth, err := s.queue.Len(ctx)
	if err != nil {
		log.Printf("stats: queue length: %v", err)
		depth = -1
	}
	rss := "n/a"
	if n, ok := observe.ResidentBytes(); ok {
		rss = config.FormatBytes(n)
	}
	ss := s.stats.Snapshot()
	log.Printf(
		"Cached: Namespaces: %d, Entries: %d, Size: %s, Queued: %d, Resp Min/avg/max %s/%s/%s, RSS: %s",
		cs.Namespaces,
		cs.Entries,
		config.FormatBytes(uint64(cs.Bytes)),
		depth,
		config.FormatBytes(ss.Min),
		config.FormatBytes(ss.Avg),
		config.FormatBytes(ss.Max),
		rss,
	)
}
