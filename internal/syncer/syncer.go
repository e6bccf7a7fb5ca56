// Package syncer delivers sync triggers to the replay engine: on demand, on
// a fixed period, and once a probe shows the origin is reachable again after
// sync intent was registered.
package syncer

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jmgilman/go/errors"

	"offline0/internal/observe"
	"offline0/internal/replay"
	"offline0/internal/strategy"
)

type Replayer interface {
	Replay(ctx context.Context) (replay.Pass, error)
}

type Options struct {
	Tag string
	// ProbeURL is requested with HEAD; any response counts as connectivity.
	ProbeURL     string
	Every        time.Duration
	ProbeInitial time.Duration
	ProbeMax     time.Duration
}

type Syncer struct {
	replayer Replayer
	net      strategy.Fetcher
	opts     Options

	mu      sync.Mutex
	pending bool

	wake    chan struct{}
	// results carries whether records remain queued after a pass.
	results chan bool

	// An outage fails every probe; one line a minute is enough.
	probeLog *observe.RateLimitedLogger

	cancel context.CancelFunc
	loopWG sync.WaitGroup
	passWG sync.WaitGroup
}

func New(r Replayer, net strategy.Fetcher, opts Options) *Syncer {
	if opts.Tag == "" {
		opts.Tag = replay.DefaultTag
	}
	if opts.ProbeInitial <= 0 {
		opts.ProbeInitial = time.Second
	}
	if opts.ProbeMax < opts.ProbeInitial {
		opts.ProbeMax = opts.ProbeInitial
	}
	return &Syncer{
		replayer: r,
		net:      net,
		opts:     opts,
		wake:     make(chan struct{}, 1),
		results:  make(chan bool, 1),
		probeLog: observe.NewRateLimitedLogger(time.Minute),
	}
}

// Register records sync intent for tag. The probe loop delivers the trigger
// once the origin answers.
func (s *Syncer) Register(_ context.Context, tag string) error {
	if tag != s.opts.Tag {
		return errors.Newf(errors.CodeInvalidInput, "unknown sync tag %q", tag)
	}
	s.mu.Lock()
	s.pending = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending reports whether sync intent is registered and not yet delivered.
func (s *Syncer) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Trigger runs a replay pass for tag in the caller's goroutine. Unknown tags
// are ignored.
func (s *Syncer) Trigger(ctx context.Context, tag string) (replay.Pass, error) {
	if tag != s.opts.Tag {
		log.Printf("syncer: ignoring trigger for unknown tag %q", tag)
		return replay.Pass{}, nil
	}
	pass, err := s.replayer.Replay(ctx)
	if err != nil {
		return pass, err
	}
	s.settle(len(pass.Pending) > 0)
	return pass, nil
}

// Start launches the trigger loop. Close stops it.
func (s *Syncer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		s.loop(ctx)
	}()
}

// Close stops the loop and waits for passes it started.
func (s *Syncer) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.loopWG.Wait()
	s.passWG.Wait()
}

func (s *Syncer) loop(ctx context.Context) {
	var tick <-chan time.Time
	if s.opts.Every > 0 {
		t := time.NewTicker(s.opts.Every)
		defer t.Stop()
		tick = t.C
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ProbeInitial
	b.MaxInterval = s.opts.ProbeMax
	b.Reset()

	probe := time.NewTimer(time.Hour)
	probe.Stop()
	defer probe.Stop()
	armed := false
	arm := func(d time.Duration) {
		if armed {
			return
		}
		probe.Reset(d)
		armed = true
	}

	if s.Pending() {
		arm(0)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.wake:
			arm(0)

		case <-tick:
			s.passAsync(ctx, "periodic")

		case remaining := <-s.results:
			if !remaining {
				b.Reset()
				continue
			}
			// Records are still queued; keep probing, but back off so a
			// rejecting origin is not hammered.
			s.mu.Lock()
			s.pending = true
			s.mu.Unlock()
			arm(b.NextBackOff())

		case <-probe.C:
			armed = false
			if !s.Pending() {
				continue
			}
			if err := s.probe(ctx); err != nil {
				d := b.NextBackOff()
				s.probeLog.Printf("syncer: origin unreachable, next probe in %s: %v", d, err)
				arm(d)
				continue
			}
			s.mu.Lock()
			s.pending = false
			s.mu.Unlock()
			s.passAsync(ctx, "connectivity")
		}
	}
}

func (s *Syncer) passAsync(ctx context.Context, reason string) {
	s.passWG.Add(1)
	go func() {
		defer s.passWG.Done()
		pass, err := s.replayer.Replay(ctx)
		if err != nil {
			log.Printf("syncer: %s pass failed: %v", reason, err)
			s.settle(true)
			return
		}
		if pass.Attempted > 0 {
			log.Printf("syncer: %s pass %s", reason, pass)
		}
		s.settle(len(pass.Pending) > 0)
	}()
}

// settle hands a pass outcome to the loop without blocking; only the latest
// outcome matters.
func (s *Syncer) settle(remaining bool) {
	for {
		select {
		case s.results <- remaining:
			return
		default:
		}
		select {
		case <-s.results:
		default:
		}
	}
}

func (s *Syncer) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.opts.ProbeURL, nil)
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "build probe request")
	}
	resp, err := s.net.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.CodeNetwork, "probe origin")
	}
	resp.Body.Close()
	return nil
}
