package eventbus

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// fakeStreamer is an in-memory stand-in for the redisStreamer surface,
// enough to exercise Publish/Subscribe/dead-letter without a live Redis
// server. Streams are append-only slices in publish order; per-group
// cursors are tracked by index into that slice rather than by comparing
// Redis stream IDs lexicographically.
type fakeStreamer struct {
	mu      sync.Mutex
	streams map[string][]redis.XMessage
	cursors map[string]map[string]int // stream -> group -> next unread index
	pending map[string]map[string][]pendingEntry
	seq     int
}

type pendingEntry struct {
	id      string
	retries int64
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{
		streams: make(map[string][]redis.XMessage),
		cursors: make(map[string]map[string]int),
		pending: make(map[string]map[string][]pendingEntry),
	}
}

func (f *fakeStreamer) nextID() string {
	f.seq++
	return strconv.Itoa(f.seq) + "-0"
}

func (f *fakeStreamer) XAdd(ctx context.Context, a *redis.XAddArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID()
	raw, _ := a.Values.(map[string]interface{})
	values := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		// Real Redis streams store field values as binary-safe strings, so
		// the client always reads them back as strings regardless of what
		// was written; mirror that here instead of preserving Go types.
		switch vv := v.(type) {
		case []byte:
			values[k] = string(vv)
		case string:
			values[k] = vv
		default:
			values[k] = fmt.Sprint(vv)
		}
	}
	f.streams[a.Stream] = append(f.streams[a.Stream], redis.XMessage{ID: id, Values: values})
	return nil
}

type errBusyGroup struct{}

func (errBusyGroup) Error() string { return "BUSYGROUP Consumer Group name already exists" }

func (f *fakeStreamer) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursors[stream] == nil {
		f.cursors[stream] = make(map[string]int)
	}
	if _, ok := f.cursors[stream][group]; ok {
		return errBusyGroup{}
	}
	f.cursors[stream][group] = 0
	return nil
}

func (f *fakeStreamer) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) ([]redis.XStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(a.Streams) / 2
	var out []redis.XStream
	for i := 0; i < n; i++ {
		stream := a.Streams[i]
		cursor := f.cursors[stream][a.Group]
		all := f.streams[stream]
		if cursor >= len(all) {
			continue
		}
		undelivered := append([]redis.XMessage(nil), all[cursor:]...)
		f.cursors[stream][a.Group] = len(all)

		if f.pending[stream] == nil {
			f.pending[stream] = make(map[string][]pendingEntry)
		}
		for _, msg := range undelivered {
			f.pending[stream][a.Group] = append(f.pending[stream][a.Group], pendingEntry{id: msg.ID, retries: 1})
		}
		out = append(out, redis.XStream{Stream: stream, Messages: undelivered})
	}
	if len(out) == 0 {
		return nil, redis.Nil
	}
	return out, nil
}

func (f *fakeStreamer) XAck(ctx context.Context, stream, group string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var remaining []pendingEntry
	for _, p := range f.pending[stream][group] {
		keep := true
		for _, id := range ids {
			if p.id == id {
				keep = false
				break
			}
		}
		if keep {
			remaining = append(remaining, p)
		}
	}
	f.pending[stream][group] = remaining
	return nil
}

func (f *fakeStreamer) XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) ([]redis.XMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var claimed []redis.XMessage
	for _, msg := range f.streams[a.Stream] {
		for _, p := range f.pending[a.Stream][a.Group] {
			if p.id == msg.ID {
				claimed = append(claimed, msg)
			}
		}
	}
	return claimed, nil
}

func (f *fakeStreamer) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) ([]redis.XPendingExt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []redis.XPendingExt
	for _, p := range f.pending[a.Stream][a.Group] {
		out = append(out, redis.XPendingExt{ID: p.id, RetryCount: p.retries})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStreamer) XRange(ctx context.Context, stream, start, stop string) ([]redis.XMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []redis.XMessage
	for _, msg := range f.streams[stream] {
		if msg.ID == start {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeStreamer) ScanKeys(ctx context.Context, match string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.streams {
		if ok, _ := path.Match(match, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// bumpRetry simulates a message having been redelivered n times, for
// exercising the dead-letter path in tests.
func (f *fakeStreamer) bumpRetry(stream, group, id string, retries int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.pending[stream][group] {
		if p.id == id {
			f.pending[stream][group][i].retries = retries
		}
	}
}
