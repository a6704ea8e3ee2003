// Package feed implements the client side of the discovery stream: a
// per-query delta cache with request de-duplication and multi-source
// fan-out.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"github.com/graffitinet/graffiti-server/internal/discovery"
	"github.com/graffitinet/graffiti-server/internal/graffiti"
)

var log = logging.Logger("feed")

const streamBuffer = 64

// entry is the cached state of one query. lines are held newest-first;
// a delta response is reversed once and prepended, so recency order is
// maintained without re-sorting.
type entry struct {
	lastModified int64
	expires      time.Time
	lines        []*graffiti.Object
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expires)
}

// Feed fetches discovery streams with delta caching. Concurrent
// fetches sharing a cache key are collapsed into one network round
// trip.
type Feed struct {
	mu    sync.Mutex
	cache map[string]*entry
	group singleflight.Group
}

func New() *Feed {
	return &Feed{cache: make(map[string]*entry)}
}

// cacheKey scopes cached state to the requesting identity: two actors
// asking the same URL see different (masked) views.
func cacheKey(url, actor string) string {
	return url + "\x00" + actor
}

func clientFor(session *graffiti.Session) *http.Client {
	if session != nil && session.Transport != nil {
		return &http.Client{Transport: session.Transport}
	}
	return http.DefaultClient
}

// Fetch resolves a discovery URL to its current line set, newest
// first. Per-line decode failures are surfaced as errored results
// alongside the good lines; only a transport or status-level failure
// returns an error.
func (f *Feed) Fetch(ctx context.Context, url string, session *graffiti.Session) ([]graffiti.Result, error) {
	key := cacheKey(url, session.ActorOrEmpty())
	v, err, _ := f.group.Do(key, func() (any, error) {
		return f.fetchLocked(ctx, key, url, session)
	})
	if err != nil {
		return nil, err
	}
	return v.([]graffiti.Result), nil
}

func (f *Feed) fetchLocked(ctx context.Context, key, url string, session *graffiti.Session) ([]graffiti.Result, error) {
	f.mu.Lock()
	held := f.cache[key]
	if held != nil && held.expired(time.Now()) {
		delete(f.cache, key)
		held = nil
	}
	f.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bad discovery url: %w", err)
	}
	if held != nil {
		req.Header.Set(discovery.HeaderAIM, discovery.IMPrepend)
		req.Header.Set(discovery.HeaderIfModifiedSince,
			time.UnixMilli(held.lastModified).UTC().Format(http.TimeFormat))
		req.Header.Set(discovery.HeaderIfModifiedSinceMs,
			strconv.FormatInt(held.lastModified, 10))
	}

	resp, err := clientFor(session).Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		lines, errs := splitResults(discovery.DecodeStream(resp.Body))
		fresh := &entry{
			lastModified: modifiedOf(resp.Header),
			expires:      time.Now().Add(maxAgeOf(resp.Header)),
			lines:        reverseLines(lines),
		}
		f.install(key, fresh)
		return resultsOf(fresh.lines, errs), nil

	case http.StatusNoContent:
		f.install(key, nil)
		return nil, nil

	case discovery.StatusIMUsed:
		if held == nil {
			return nil, fmt.Errorf("unsolicited delta response from %s", url)
		}
		lines, errs := splitResults(discovery.DecodeStream(resp.Body))
		merged := &entry{
			lastModified: modifiedOf(resp.Header),
			expires:      time.Now().Add(maxAgeOf(resp.Header)),
			lines:        append(reverseLines(lines), held.lines...),
		}
		f.install(key, merged)
		return resultsOf(merged.lines, errs), nil

	case http.StatusNotModified:
		if held == nil {
			return nil, fmt.Errorf("unsolicited not-modified response from %s", url)
		}
		// Held state is still current; extend its lifetime.
		refreshed := &entry{
			lastModified: held.lastModified,
			expires:      time.Now().Add(maxAgeOf(resp.Header)),
			lines:        held.lines,
		}
		f.install(key, refreshed)
		return resultsOf(held.lines, nil), nil

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, graffiti.ErrorFromStatus(resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// install replaces the cache entry wholesale. Readers never observe a
// partially-built entry.
func (f *Feed) install(key string, e *entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e == nil {
		delete(f.cache, key)
		return
	}
	f.cache[key] = e
}

// Forget drops any cached state for a query.
func (f *Feed) Forget(url string, session *graffiti.Session) {
	f.install(cacheKey(url, session.ActorOrEmpty()), nil)
}

func splitResults(results []graffiti.Result) ([]*graffiti.Object, []error) {
	var (
		lines []*graffiti.Object
		errs  []error
	)
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
			continue
		}
		lines = append(lines, r.Object)
	}
	return lines, errs
}

// reverseLines flips a server-ordered (ascending lastModified) block
// into newest-first order.
func reverseLines(lines []*graffiti.Object) []*graffiti.Object {
	out := make([]*graffiti.Object, len(lines))
	for i, obj := range lines {
		out[len(lines)-1-i] = obj
	}
	return out
}

func resultsOf(lines []*graffiti.Object, errs []error) []graffiti.Result {
	out := make([]graffiti.Result, 0, len(lines)+len(errs))
	for _, obj := range lines {
		out = append(out, graffiti.Result{Object: obj})
	}
	for _, err := range errs {
		out = append(out, graffiti.Result{Err: err})
	}
	return out
}

func modifiedOf(header http.Header) int64 {
	if ms := header.Get(discovery.HeaderLastModifiedMs); ms != "" {
		if v, err := strconv.ParseInt(ms, 10, 64); err == nil {
			return v
		}
	}
	if lm := header.Get(discovery.HeaderLastModified); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

func maxAgeOf(header http.Header) time.Duration {
	for _, directive := range strings.Split(header.Get("Cache-Control"), ",") {
		directive = strings.TrimSpace(directive)
		if !strings.HasPrefix(directive, "max-age=") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
		if err != nil || secs < 0 {
			break
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}

// StreamMultiple fans one query out across several sources. Each
// source runs concurrently; a failing source delivers one tagged error
// and never cancels its siblings. Delivery order across sources is
// first-ready-first-delivered.
func (f *Feed) StreamMultiple(ctx context.Context, urls []string, session *graffiti.Session) *graffiti.Stream {
	stream := graffiti.NewStream(streamBuffer)
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			results, err := f.Fetch(ctx, url, session)
			if err != nil {
				log.Debugf("Source %s failed: %v", url, err)
				stream.Push(ctx, graffiti.Result{
					Err:    &graffiti.SourceError{Source: url, Err: err},
					Source: url,
				})
				return
			}
			for _, r := range results {
				r.Source = url
				if !stream.Push(ctx, r) {
					return
				}
			}
		}(url)
	}
	go func() {
		wg.Wait()
		stream.Finish()
	}()
	return stream
}
