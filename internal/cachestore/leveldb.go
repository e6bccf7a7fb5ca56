package cachestore

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmgilman/go/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"offline0/internal/observe"
)

// Key layout:
//
//	n:<ns>            namespace marker (gob nsMeta)
//	e:<ns>\x00<sig>   entry (gob Entry)
const (
	nsPrefix    = "n:"
	entryPrefix = "e:"
	sep         = "\x00"
)

type nsMeta struct {
	CreatedAt int64
}

type LevelDBOptions struct {
	// RAMEntries bounds the in-memory read cache. Zero disables it.
	RAMEntries int
	// MaxEntryBytes skips entries whose encoded size exceeds it. Zero means
	// no limit.
	MaxEntryBytes int64
}

// LevelDB is the durable Store. Reads are served from a bounded LRU when
// possible; writes go straight to disk.
type LevelDB struct {
	opts LevelDBOptions
	db   *leveldb.DB
	ram  *lru.Cache[string, Entry]

	// mu orders disk writes against RAM updates so a dropped namespace never
	// lingers in the LRU.
	mu    sync.RWMutex
	nss   map[string]struct{}
	sizes map[string]int64
	total int64

	oversizeLog *observe.RateLimitedLogger
}

func OpenLevelDB(path string, opts LevelDBOptions) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open cache store %s", path)
	}
	d := &LevelDB{
		opts:        opts,
		db:          db,
		nss:         map[string]struct{}{},
		sizes:       map[string]int64{},
		oversizeLog: observe.NewRateLimitedLogger(time.Minute),
	}
	if opts.RAMEntries > 0 {
		ram, err := lru.New[string, Entry](opts.RAMEntries)
		if err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, errors.CodeInvalidConfig, "cache ram")
		}
		d.ram = ram
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *LevelDB) Close() error {
	return d.db.Close()
}

func (d *LevelDB) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(nsPrefix)), nil)
	for it.Next() {
		d.nss[string(bytes.TrimPrefix(it.Key(), []byte(nsPrefix)))] = struct{}{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "load namespaces")
	}

	it = d.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	for it.Next() {
		key := string(it.Key())
		d.sizes[key] = int64(len(it.Value()))
		d.total += int64(len(it.Value()))
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "load entries")
	}
	return nil
}

func entryKey(ns, sig string) string { return entryPrefix + ns + sep + sig }

func ramKey(ns, sig string) string { return ns + sep + sig }

func (d *LevelDB) Open(_ context.Context, ns string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openLocked(ns)
}

func (d *LevelDB) openLocked(ns string) error {
	if _, ok := d.nss[ns]; ok {
		return nil
	}
	mb, err := encodeGob(nsMeta{CreatedAt: time.Now().UnixNano()})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode namespace")
	}
	if err := d.db.Put([]byte(nsPrefix+ns), mb, nil); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "open namespace %s", ns)
	}
	d.nss[ns] = struct{}{}
	return nil
}

func (d *LevelDB) Namespaces(_ context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.nss))
	for ns := range d.nss {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (d *LevelDB) DeleteNamespace(_ context.Context, ns string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, existed := d.nss[ns]
	prefix := entryPrefix + ns + sep

	batch := new(leveldb.Batch)
	var removed []string
	it := d.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	for it.Next() {
		key := string(it.Key())
		batch.Delete([]byte(key))
		removed = append(removed, key)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "scan namespace %s", ns)
	}
	batch.Delete([]byte(nsPrefix + ns))
	if err := d.db.Write(batch, nil); err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "delete namespace %s", ns)
	}

	delete(d.nss, ns)
	for _, key := range removed {
		d.total -= d.sizes[key]
		delete(d.sizes, key)
	}
	if d.ram != nil {
		for _, k := range d.ram.Keys() {
			if strings.HasPrefix(k, ns+sep) {
				d.ram.Remove(k)
			}
		}
	}
	return existed, nil
}

func (d *LevelDB) Match(_ context.Context, ns, sig string) (Entry, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, ok := d.nss[ns]; !ok {
		return Entry{}, false, nil
	}
	if d.ram != nil {
		if ent, ok := d.ram.Get(ramKey(ns, sig)); ok {
			return ent, true, nil
		}
	}

	b, err := d.db.Get([]byte(entryKey(ns, sig)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, errors.CodeDatabase, "match %s", sig)
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		// A corrupt entry behaves like a miss; the next successful fetch
		// overwrites it.
		return Entry{}, false, nil
	}
	if d.ram != nil {
		d.ram.Add(ramKey(ns, sig), ent)
	}
	return ent, true, nil
}

func (d *LevelDB) Put(_ context.Context, ns, sig string, ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode entry")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opts.MaxEntryBytes > 0 && int64(len(b)) > d.opts.MaxEntryBytes {
		d.oversizeLog.Printf("cachestore: entry too large, not stored ns=%s sig=%q size=%d", ns, sig, len(b))
		// The older copy is no longer current.
		return d.evictLocked(ns, sig)
	}

	if err := d.openLocked(ns); err != nil {
		return err
	}
	key := entryKey(ns, sig)
	if err := d.db.Put([]byte(key), b, nil); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "put %s", sig)
	}
	d.total += int64(len(b)) - d.sizes[key]
	d.sizes[key] = int64(len(b))
	if d.ram != nil {
		d.ram.Add(ramKey(ns, sig), ent)
	}
	return nil
}

func (d *LevelDB) evictLocked(ns, sig string) error {
	key := entryKey(ns, sig)
	if err := d.db.Delete([]byte(key), nil); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "evict %s", sig)
	}
	if n, ok := d.sizes[key]; ok {
		d.total -= n
		delete(d.sizes, key)
	}
	if d.ram != nil {
		d.ram.Remove(ramKey(ns, sig))
	}
	return nil
}

func (d *LevelDB) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Stats{
		Namespaces: len(d.nss),
		Entries:    len(d.sizes),
		Bytes:      d.total,
	}
}
