// Package router presents one logical object store over a local store
// and any number of remote sources. Mutations against remote sources
// are written locally first so local readers observe them immediately,
// then forwarded; the remote outcome is authoritative.
package router

import (
	"context"
	"net/url"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/graffitinet/graffiti-server/internal/channel"
	"github.com/graffitinet/graffiti-server/internal/client"
	"github.com/graffitinet/graffiti-server/internal/feed"
	"github.com/graffitinet/graffiti-server/internal/graffiti"
	"github.com/graffitinet/graffiti-server/internal/schema"
	"github.com/graffitinet/graffiti-server/internal/store"
)

var log = logging.Logger("router")

const streamBuffer = 64

// Router routes object operations between the local store and remote
// sources and merges their discovery streams.
type Router struct {
	local  *store.Store
	remote *client.Client
	feed   *feed.Feed
}

func New(local *store.Store) *Router {
	return &Router{
		local:  local,
		remote: &client.Client{},
		feed:   feed.New(),
	}
}

// Local exposes the underlying local store for housekeeping surfaces.
func (r *Router) Local() *store.Store { return r.local }

// isRemote decides where a call goes: to a remote source when the
// target lives at a foreign HTTP(S) origin, or when the session itself
// is remote (a URI actor carrying its own transport).
func (r *Router) isRemote(loc graffiti.Location, session *graffiti.Session) bool {
	if loc.Source != "" && loc.Source != r.local.Source() && graffiti.IsRemoteOrigin(loc.Source) {
		return true
	}
	return session.IsRemote() && loc.Source != r.local.Source()
}

// Put stores an object. Remote puts are applied to the local store
// first (optimistically) and forwarded; if the remote store rejects
// the write, the optimistic local version is rolled back and the
// remote error surfaced.
func (r *Router) Put(ctx context.Context, obj *graffiti.Object, session *graffiti.Session) (*graffiti.Object, error) {
	if obj.Source == "" {
		if session.IsRemote() {
			obj.Source = originOf(session.Actor)
		} else {
			obj.Source = r.local.Source()
		}
	}
	if !r.isRemote(obj.Location(), session) {
		return r.local.Put(ctx, obj, session)
	}

	localCopy := obj.Clone()
	localPrev, localErr := r.local.Put(ctx, localCopy, session)
	if localErr != nil {
		// The local mirror is an optimization; the remote write
		// still decides the outcome.
		log.Debugf("Optimistic local put of %s/%s failed: %v", obj.Actor, obj.Name, localErr)
	}

	remotePrev, err := r.remote.Put(ctx, obj, session)
	if err != nil {
		if localErr == nil {
			r.rollback(ctx, obj.Location(), localPrev, session)
		}
		return nil, err
	}
	return remotePrev, nil
}

// Get reads the current version of an object from wherever it lives.
func (r *Router) Get(ctx context.Context, loc graffiti.Location, session *graffiti.Session) (*graffiti.Object, error) {
	if !r.isRemote(loc, session) {
		return r.local.Get(ctx, loc, session.ActorOrEmpty())
	}
	return r.remote.Get(ctx, loc, session)
}

// Patch applies a patch. For remote targets the local mirror is
// patched first when it holds the object; the remote outcome decides.
func (r *Router) Patch(ctx context.Context, p *graffiti.Patch, loc graffiti.Location, session *graffiti.Session) (*graffiti.Object, int64, error) {
	if !r.isRemote(loc, session) {
		return r.local.Patch(ctx, p, loc, session)
	}

	localPrev, _, localErr := r.local.Patch(ctx, p, loc, session)
	if localErr != nil {
		log.Debugf("Optimistic local patch of %s/%s failed: %v", loc.Actor, loc.Name, localErr)
	}

	remotePrev, modified, err := r.remote.Patch(ctx, p, loc, session)
	if err != nil {
		if localErr == nil {
			r.rollback(ctx, loc, localPrev, session)
		}
		return nil, 0, err
	}
	return remotePrev, modified, nil
}

// Delete tombstones an object.
func (r *Router) Delete(ctx context.Context, loc graffiti.Location, session *graffiti.Session) (*graffiti.Object, int64, error) {
	if !r.isRemote(loc, session) {
		return r.local.Delete(ctx, loc, session)
	}

	localPrev, _, localErr := r.local.Delete(ctx, loc, session)
	if localErr != nil {
		log.Debugf("Optimistic local delete of %s/%s failed: %v", loc.Actor, loc.Name, localErr)
	}

	remotePrev, modified, err := r.remote.Delete(ctx, loc, session)
	if err != nil {
		if localErr == nil {
			r.rollback(ctx, loc, localPrev, session)
		}
		return nil, 0, err
	}
	return remotePrev, modified, nil
}

// rollback corrects a local optimistic write the remote store refused:
// a created object is tombstoned, an updated one restored to its prior
// content. Failure to roll back is logged, not surfaced; the caller
// already has the authoritative error.
func (r *Router) rollback(ctx context.Context, loc graffiti.Location, prev *graffiti.Object, session *graffiti.Session) {
	var err error
	if prev == nil || prev.Tombstone {
		_, _, err = r.local.Delete(ctx, loc, session)
	} else {
		_, err = r.local.Put(ctx, prev.Clone(), session)
	}
	if err != nil {
		log.Warnf("Failed to roll back optimistic write of %s/%s: %v", loc.Actor, loc.Name, err)
	}
}

// originOf reduces an actor URI to its scheme://host origin, the
// default home source for a remote session.
func originOf(actor string) string {
	u, err := url.Parse(actor)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// discoverURL builds the stream query URL for one remote source.
func discoverURL(source string, keys []channel.Key, rawSchema []byte) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	q := url.Values{}
	q.Set("channels", strings.Join(parts, ","))
	if len(rawSchema) > 0 {
		q.Set("schema", string(rawSchema))
	}
	return strings.TrimSuffix(source, "/") + "/discover?" + q.Encode()
}

// Discover merges the local query with the given remote sources into
// one stream. Local results are delivered first: in-flight optimistic
// writes surface before remote-converged state. Remote results follow
// in first-ready order, per-source failures tagged, never fatal.
func (r *Router) Discover(ctx context.Context, channels []string, rawSchema []byte, session *graffiti.Session, sources []string) (*graffiti.Stream, error) {
	keys := channel.KeysOf(channels)

	var sch *schema.Schema
	if len(rawSchema) > 0 {
		var err error
		sch, err = schema.Compile(rawSchema)
		if err != nil {
			return nil, err
		}
	}

	urls := make([]string, 0, len(sources))
	for _, src := range sources {
		if src == r.local.Source() {
			continue
		}
		urls = append(urls, discoverURL(src, keys, rawSchema))
	}

	out := graffiti.NewStream(streamBuffer)
	go func() {
		defer out.Finish()

		local := r.local.Query(ctx, keys, sch, session.ActorOrEmpty(), store.QueryOptions{})
		defer local.Close()
		for {
			res, ok := local.Next(ctx)
			if !ok {
				break
			}
			res.Source = r.local.Source()
			if !out.Push(ctx, res) {
				return
			}
		}

		if len(urls) == 0 {
			return
		}
		remote := r.feed.StreamMultiple(ctx, urls, session)
		defer remote.Close()
		for {
			res, ok := remote.Next(ctx)
			if !ok {
				return
			}
			if !out.Push(ctx, res) {
				return
			}
		}
	}()
	return out, nil
}

// Synchronize opens a live stream of local mutations matching the
// query. Closing the stream deregisters the subscription.
func (r *Router) Synchronize(ctx context.Context, channels []string, rawSchema []byte, session *graffiti.Session) (*graffiti.Stream, error) {
	keys := channel.KeysOf(channels)

	var match func(*graffiti.Object) bool
	if len(rawSchema) > 0 {
		sch, err := schema.Compile(rawSchema)
		if err != nil {
			return nil, err
		}
		match = sch.MatchObject
	}

	sub := r.local.Subscribe(keys, match, session.ActorOrEmpty())
	out := graffiti.NewStream(streamBuffer)

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-out.Done():
		case <-subCtx.Done():
		}
		cancel()
	}()
	go func() {
		defer sub.Close()
		defer cancel()
		for {
			res, ok := sub.Next(subCtx)
			if !ok {
				out.Finish()
				return
			}
			if !out.Push(subCtx, res) {
				return
			}
		}
	}()
	return out, nil
}

// ChannelStats reports the session actor's channel usage. Housekeeping
// is local-store-only.
func (r *Router) ChannelStats(ctx context.Context, session *graffiti.Session) ([]graffiti.ChannelStat, error) {
	return r.local.ChannelStats(ctx, session.ActorOrEmpty())
}

// Orphans lists the session actor's channel-less objects, local only.
func (r *Router) Orphans(ctx context.Context, session *graffiti.Session) ([]*graffiti.Object, error) {
	return r.local.Orphans(ctx, session.ActorOrEmpty())
}
