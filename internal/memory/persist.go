package memory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"cmdqueue/internal/storage"
	logx "cmdqueue/pkg/logx"
)

const (
	DefaultPrefix = "OT_"
	DefaultExpiry = 7 * 24 * time.Hour
	indexSuffix   = "INDEX"
)

// Persister mirrors Permanent items to a storage.Store.
//
// Layout: one index record <prefix>INDEX holding the sorted item names, and
// one record <prefix><name> per item. Both are base64-encoded JSON.
type Persister struct {
	st     storage.Store
	prefix string
	expiry time.Duration
	log    logx.Logger
	now    func() time.Time

	mu     sync.Mutex
	synced map[string]struct{} // names present in the last written index
}

// NewPersister returns nil when st is nil; a nil Persister is a no-op.
func NewPersister(st storage.Store, prefix string, expiry time.Duration, log logx.Logger) *Persister {
	if st == nil {
		return nil
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Persister{
		st:     st,
		prefix: prefix,
		expiry: expiry,
		log:    log.With(logx.String("comp", "memory.persist")),
		now:    time.Now,
		synced: map[string]struct{}{},
	}
}

func (p *Persister) indexKey() string           { return p.prefix + indexSuffix }
func (p *Persister) itemKey(name string) string { return p.prefix + name }

// Sync writes the index and every item in one batch, deleting records of
// names that have left the index.
func (p *Persister) Sync(ctx context.Context, items map[string]Item) error {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(items))
	for k := range items {
		names = append(names, k)
	}
	sort.Strings(names)

	exp := p.now().Add(p.expiry)
	idx, err := encode(names)
	if err != nil {
		return err
	}
	puts := []storage.Record{{Key: p.indexKey(), Value: idx, Expires: exp}}
	for _, n := range names {
		b, err := encode(items[n])
		if err != nil {
			return fmt.Errorf("encode memory %q: %w", n, err)
		}
		puts = append(puts, storage.Record{Key: p.itemKey(n), Value: b, Expires: exp})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var deletes []string
	for n := range p.synced {
		if _, ok := items[n]; !ok {
			deletes = append(deletes, p.itemKey(n))
		}
	}
	sort.Strings(deletes)

	if err := p.st.Write(ctx, puts, deletes); err != nil {
		return fmt.Errorf("persist memory: %w", err)
	}
	p.synced = make(map[string]struct{}, len(names))
	for _, n := range names {
		p.synced[n] = struct{}{}
	}
	return nil
}

// Load reads the index and then every listed item. A corrupt or missing item
// record is logged and skipped; a corrupt index yields no items.
func (p *Persister) Load(ctx context.Context) (map[string]Item, error) {
	if p == nil {
		return nil, nil
	}
	rec, ok, err := p.st.Get(ctx, p.indexKey())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var names []string
	if err := decode(rec.Value, &names); err != nil {
		p.log.Warn("memory index seems corrupted", logx.Err(err))
		return nil, nil
	}

	out := make(map[string]Item, len(names))
	seen := map[string]struct{}{}
	for _, n := range names {
		r, ok, err := p.st.Get(ctx, p.itemKey(n))
		if err != nil {
			return nil, err
		}
		if !ok {
			p.log.Warn("memory record missing", logx.String("name", n))
			continue
		}
		var it Item
		if err := decode(r.Value, &it); err != nil {
			p.log.Warn("memory record corrupted", logx.String("name", n), logx.Err(err))
			continue
		}
		if it.Origin == "" {
			it.Origin = n
		}
		it.Mode = Permanent
		out[n] = it
		seen[n] = struct{}{}
	}

	p.mu.Lock()
	p.synced = seen
	p.mu.Unlock()
	return out, nil
}

func encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(b)))
	base64.StdEncoding.Encode(out, b)
	return out, nil
}

func decode(b []byte, v any) error {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
	n, err := base64.StdEncoding.Decode(raw, b)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw[:n], v)
}
