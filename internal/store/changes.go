package store

import (
	"context"
	"sync"

	"github.com/graffitinet/graffiti-server/internal/channel"
	"github.com/graffitinet/graffiti-server/internal/graffiti"
)

// Subscription is a live feed of local mutations matching a discovery
// query. Events are buffered on the subscriber and are appended
// before the mutating call returns, so a subscriber observes writes
// in issue order. Close deregisters the subscription; no events are
// delivered afterwards.
type Subscription struct {
	store     *Store
	id        uint64
	queried   map[channel.Key]struct{}
	schema    *schemaMatcher
	requester string

	mu     sync.Mutex
	buf    []graffiti.Result
	signal chan struct{}
	closed bool
}

// schemaMatcher wraps the predicate a subscription filters events
// with; subscriptions without one skip the envelope conversion
// entirely.
type schemaMatcher struct {
	match func(*graffiti.Object) bool
}

// subscribers is the store's observer registry. Delivery is
// synchronous with the mutating call; consumption is pull-based.
type subscribers struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a live query against future mutations. The
// matcher may be nil to accept every schema.
func (s *Store) Subscribe(keys []channel.Key, match func(*graffiti.Object) bool, requester string) *Subscription {
	queried := make(map[channel.Key]struct{}, len(keys))
	for _, k := range keys {
		queried[k] = struct{}{}
	}

	sub := &Subscription{
		store:     s,
		queried:   queried,
		requester: requester,
		signal:    make(chan struct{}, 1),
	}
	if match != nil {
		sub.schema = &schemaMatcher{match: match}
	}

	s.subs.mu.Lock()
	s.subs.nextID++
	sub.id = s.subs.nextID
	s.subs.subs[sub.id] = sub
	s.subs.mu.Unlock()
	return sub
}

// publish fans a committed mutation out to every live subscription.
// Called on the mutating goroutine, after the version row is durable.
func (reg *subscribers) publish(prev, cur *graffiti.Object) {
	reg.mu.Lock()
	subs := make([]*Subscription, 0, len(reg.subs))
	for _, sub := range reg.subs {
		subs = append(subs, sub)
	}
	reg.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(prev, cur)
	}
}

func (reg *subscribers) remove(id uint64) {
	reg.mu.Lock()
	delete(reg.subs, id)
	reg.mu.Unlock()
}

func (reg *subscribers) closeAll() {
	reg.mu.Lock()
	subs := make([]*Subscription, 0, len(reg.subs))
	for _, sub := range reg.subs {
		subs = append(subs, sub)
	}
	reg.subs = make(map[uint64]*Subscription)
	reg.mu.Unlock()

	for _, sub := range subs {
		sub.markClosed()
	}
}

// deliver evaluates one mutation against the subscription's query and
// buffers the resulting event, if any.
func (sub *Subscription) deliver(prev, cur *graffiti.Object) {
	curMatched := matchKeys(cur.Channels, sub.queried)
	inView := len(curMatched) > 0 && cur.VisibleTo(sub.requester) && !cur.Tombstone

	var rec *graffiti.Object
	switch {
	case inView && (sub.schema == nil || sub.schema.match(cur)):
		rec = maskObject(cur, curMatched, sub.requester)
	case prev != nil:
		// Only surface a removal if the previous version was in the
		// subscriber's view; otherwise the object never existed for
		// them.
		prevMatched := matchKeys(prev.Channels, sub.queried)
		if len(prevMatched) == 0 || !prev.VisibleTo(sub.requester) {
			return
		}
		matched := curMatched
		if len(matched) == 0 {
			matched = prevMatched
		}
		rec = &graffiti.Object{
			Actor:        cur.Actor,
			Name:         cur.Name,
			Source:       cur.Source,
			Tombstone:    true,
			LastModified: cur.LastModified,
		}
		if sub.requester == cur.Actor {
			rec.Channels = append([]string(nil), cur.Channels...)
		} else {
			rec.Channels = keyStrings(matched)
		}
	default:
		return
	}

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.buf = append(sub.buf, graffiti.Result{Object: rec, Source: sub.store.source})
	sub.mu.Unlock()

	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

// Next blocks for the next buffered event. It returns false once the
// subscription is closed and drained, or the context is cancelled.
func (sub *Subscription) Next(ctx context.Context) (graffiti.Result, bool) {
	for {
		sub.mu.Lock()
		if len(sub.buf) > 0 {
			r := sub.buf[0]
			sub.buf = sub.buf[1:]
			sub.mu.Unlock()
			return r, true
		}
		closed := sub.closed
		sub.mu.Unlock()
		if closed {
			return graffiti.Result{}, false
		}

		select {
		case <-ctx.Done():
			return graffiti.Result{}, false
		case <-sub.signal:
		}
	}
}

// Close deregisters the subscription. Buffered events remain readable
// through Next until drained.
func (sub *Subscription) Close() {
	sub.store.subs.remove(sub.id)
	sub.markClosed()
}

func (sub *Subscription) markClosed() {
	sub.mu.Lock()
	already := sub.closed
	sub.closed = true
	sub.mu.Unlock()
	if !already {
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}
