// Package index implements the secondary inverted index and LRU result
// cache of spec section 4.6. It is strictly a rebuildable cache over the
// log (design note "Index as cache, log as truth," spec section 9): every
// Posting it stores is recoverable by a full Rebuild() scan, and any
// Store failure marks the index stale rather than corrupting a read.
//
// The Store interface follows the teacher's segregated-storage idiom
// (internal/server/storage.Store, internal/queue.SQLiteQueue): a narrow
// persistence contract with swappable SQLite and Postgres backends,
// mirrored here as spec section 9's "pluggable storage" design note.
package index

import (
	"bufio"
	"os"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/qmsforge/auditcore/internal/chain"
	"github.com/qmsforge/auditcore/internal/entrymodel"
	"github.com/qmsforge/auditcore/internal/layout"
	"github.com/qmsforge/auditcore/internal/lockorder"
	"github.com/qmsforge/auditcore/internal/search"
)

// Kind names one of the four posting-list dimensions from spec section 3.5.
type Kind string

const (
	KindUser     Kind = "user"
	KindAction   Kind = "action"
	KindEntity   Kind = "entity"
	KindDateDay  Kind = "date"
)

// Posting is one (file, offset, timestamp) entry of a posting list.
type Posting struct {
	FileID    string
	Offset    int64
	Timestamp time.Time
}

// Store is the narrow persistence contract an index backend must satisfy.
// AddPostings is called once per key per flush batch (spec section 4.6: "Index writes
// are deferred into a batch keyed to writer flushes").
type Store interface {
	AddPostings(kind Kind, key string, postings []Posting) error
	Lookup(kind Kind, key string) ([]Posting, error)
	Clear() error
	Close() error
}

// Index is the writer-facing secondary index plus its LRU result cache. It
// implements writer.Indexer structurally (IndexEntries), so package writer
// never imports package index.
type Index struct {
	gate  *lockorder.IndexGate
	store Store
	cache *lru.Cache[string, []entrymodel.Entry]
	proj  layout.Project

	stale bool
}

// New wraps store with a bounded LRU result cache (spec section 4.6,
// default 1,000 entries; cacheSize <= 0 uses the default).
func New(proj layout.Project, gate *lockorder.IndexGate, store Store, cacheSize int) (*Index, error) {
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	c, err := lru.New[string, []entrymodel.Entry](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Index{gate: gate, store: store, cache: c, proj: proj}, nil
}

// IndexEntries implements writer.Indexer. It is called after every durable
// flush with the batch of entries just committed.
func (ix *Index) IndexEntries(fileID string, records []entrymodel.IndexRecord) error {
	release := ix.gate.Hold()
	defer release()

	byKind := map[Kind]map[string][]Posting{
		KindUser:    {},
		KindAction:  {},
		KindEntity:  {},
		KindDateDay: {},
	}
	for _, r := range records {
		p := Posting{FileID: fileID, Offset: r.Offset, Timestamp: r.Entry.Timestamp}
		byKind[KindUser][r.Entry.UserID] = append(byKind[KindUser][r.Entry.UserID], p)
		byKind[KindAction][string(r.Entry.Action)] = append(byKind[KindAction][string(r.Entry.Action)], p)
		byKind[KindEntity][r.Entry.EntityType+":"+r.Entry.EntityID] = append(byKind[KindEntity][r.Entry.EntityType+":"+r.Entry.EntityID], p)
		day := r.Entry.Timestamp.UTC().Format("2006-01-02")
		byKind[KindDateDay][day] = append(byKind[KindDateDay][day], p)
	}

	for kind, keys := range byKind {
		for key, postings := range keys {
			if err := ix.store.AddPostings(kind, key, postings); err != nil {
				ix.stale = true
				return err
			}
		}
	}

	// A newly indexed batch can only invalidate cached queries, never
	// silently go stale in a way a reader could observe; the simplest
	// correct policy is to drop the whole cache on every write.
	ix.cache.Purge()
	return nil
}

// Query is an equality-key lookup over the index (spec section 4.6: "the
// index supports exact-match equality on a fixed set of fields plus date
// buckets," spec section 1 non-goal).
type Query struct {
	User     string
	Action   string
	Entity   string // "entityType:entityID"
	DateDay  string // YYYY-MM-DD
}

func (q Query) cacheKey() string {
	return q.User + "\x00" + q.Action + "\x00" + q.Entity + "\x00" + q.DateDay
}

// Search intersects the posting lists for every non-empty key in q, sorts
// by timestamp descending, hydrates entries by random-access read at the
// recorded offsets, and serves/fills the LRU cache (spec section 4.6). If
// the index is marked stale, it falls through to a linear scan instead
// (design note, spec section 9: "search falls back to linear scan until
// [rebuild]").
func (ix *Index) Search(q Query) ([]entrymodel.Entry, error) {
	if ix.stale {
		return ix.fallbackLinear(q)
	}

	if cached, ok := ix.cache.Get(q.cacheKey()); ok {
		return cached, nil
	}

	release := ix.gate.Hold()
	var lists [][]Posting
	type kv struct {
		kind Kind
		key  string
	}
	var wanted []kv
	if q.User != "" {
		wanted = append(wanted, kv{KindUser, q.User})
	}
	if q.Action != "" {
		wanted = append(wanted, kv{KindAction, q.Action})
	}
	if q.Entity != "" {
		wanted = append(wanted, kv{KindEntity, q.Entity})
	}
	if q.DateDay != "" {
		wanted = append(wanted, kv{KindDateDay, q.DateDay})
	}

	for _, w := range wanted {
		postings, err := ix.store.Lookup(w.kind, w.key)
		if err != nil {
			release()
			ix.stale = true
			return ix.fallbackLinear(q)
		}
		lists = append(lists, postings)
	}
	release()

	merged := intersect(lists)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp.After(merged[j].Timestamp) })

	entries, err := hydrate(merged)
	if err != nil {
		return nil, err
	}

	ix.cache.Add(q.cacheKey(), entries)
	return entries, nil
}

// intersect returns the postings common to every list by (fileID, offset).
// An empty input (no keys given) returns nil: spec section 4.6 requires at
// least one equality key for the indexed path.
func intersect(lists [][]Posting) []Posting {
	if len(lists) == 0 {
		return nil
	}
	counts := map[[2]any]int{}
	byID := map[[2]any]Posting{}
	for _, list := range lists {
		seen := map[[2]any]bool{}
		for _, p := range list {
			id := [2]any{p.FileID, p.Offset}
			if seen[id] {
				continue
			}
			seen[id] = true
			counts[id]++
			byID[id] = p
		}
	}
	var out []Posting
	for id, c := range counts {
		if c == len(lists) {
			out = append(out, byID[id])
		}
	}
	return out
}

// hydrate reads each posting's line by random-access Open+Seek. Entries are
// read independently so that a missing/rotated file degrades to dropping
// that one posting rather than failing the whole query (index is a cache;
// staleness there is expected after rotation/compression until rebuild).
func hydrate(postings []Posting) ([]entrymodel.Entry, error) {
	out := make([]entrymodel.Entry, 0, len(postings))
	for _, p := range postings {
		e, ok := readAt(p.FileID, p.Offset)
		if !ok {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Rebuild scans the full log set sequentially and regenerates every
// posting list from scratch (spec section 4.6: "index rebuild... runs
// without the writer lock but refuses to overwrite the live index until
// completion"). It builds into the fresh Store returned by build and swaps
// it in only if every file decodes and every AddPostings call succeeds.
func (ix *Index) Rebuild(build func() (Store, error)) error {
	fresh, err := build()
	if err != nil {
		return err
	}

	files, err := ix.proj.OrderedLogFiles()
	if err != nil {
		fresh.Close()
		return err
	}

	for _, path := range files {
		entries, _, err := chain.DecodeFile(path)
		if err != nil {
			fresh.Close()
			return err
		}
		var offset int64
		for _, e := range entries {
			line, encErr := entrymodel.Encode(e)
			if encErr != nil {
				continue
			}
			rec := entrymodel.IndexRecord{Entry: e, Offset: offset}
			offset += int64(len(line))

			day := e.Timestamp.UTC().Format("2006-01-02")
			p := []Posting{{FileID: path, Offset: rec.Offset, Timestamp: e.Timestamp}}
			for kind, key := range map[Kind]string{KindUser: e.UserID, KindAction: string(e.Action), KindEntity: e.EntityType + ":" + e.EntityID, KindDateDay: day} {
				if err := fresh.AddPostings(kind, key, p); err != nil {
					fresh.Close()
					return err
				}
			}
		}
	}

	release := ix.gate.Hold()
	defer release()
	old := ix.store
	ix.store = fresh
	ix.stale = false
	ix.cache.Purge()
	if old != nil {
		old.Close()
	}
	return nil
}

// fallbackLinear serves a Query via package search when the index is
// stale, translating the equality keys into search.Criteria.
func (ix *Index) fallbackLinear(q Query) ([]entrymodel.Entry, error) {
	c := search.Criteria{User: q.User, Action: q.Action, Limit: 1 << 30}
	if q.Entity != "" {
		parts := splitEntity(q.Entity)
		c.EntityType, c.EntityID = parts[0], parts[1]
	}
	res, err := search.Search(ix.proj, c, false)
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// readAt opens fileID (a gzip-transparent full path, as stored by the
// writer) and reads the single line beginning at offset. Gzip-compressed
// files cannot be seeked into meaningfully by raw byte offset, so a
// compressed file's postings are treated as unreadable here and skipped;
// such files are, by the time they are compressed, long past the cache's
// useful working set (spec section 4.4's compression_age_days default is
// well beyond the LRU's purpose).
func readAt(fileID string, offset int64) (entrymodel.Entry, bool) {
	f, err := os.Open(fileID)
	if err != nil {
		return entrymodel.Entry{}, false
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return entrymodel.Entry{}, false
	}
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)
	if !scanner.Scan() {
		return entrymodel.Entry{}, false
	}
	e, err := entrymodel.Decode(scanner.Bytes(), 0)
	if err != nil {
		return entrymodel.Entry{}, false
	}
	return e, true
}

func splitEntity(s string) [2]string {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return [2]string{s[:i], s[i+1:]}
		}
	}
	return [2]string{s, ""}
}

// Stale reports whether the index currently requires a Rebuild before it
// can be trusted.
func (ix *Index) Stale() bool { return ix.stale }

// MarkStale forces the fallback-to-linear-scan path, used by callers who
// detect an inconsistency out of band (e.g. after a restore).
func (ix *Index) MarkStale() { ix.stale = true }
