package discovery

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/graffitinet/graffiti-server/internal/graffiti"
	"github.com/graffitinet/graffiti-server/internal/schema"
	"github.com/graffitinet/graffiti-server/internal/store"
)

// DefaultMaxAge is the cache lifetime advertised on stream responses
// when the handler is not configured with one.
const DefaultMaxAge = 60

// Handler serves object store queries over the line-delimited stream
// protocol with conditional delta support.
type Handler struct {
	Store *store.Store

	// MaxAge is the Cache-Control max-age advertised on responses,
	// in seconds. Zero means DefaultMaxAge.
	MaxAge int
}

func (h *Handler) maxAge() int {
	if h.MaxAge > 0 {
		return h.MaxAge
	}
	return DefaultMaxAge
}

// deltaRequest reports whether the request asks for a prepend delta and
// the millisecond instant it holds results through.
func deltaRequest(r *http.Request) (int64, bool) {
	if !strings.Contains(r.Header.Get(HeaderAIM), IMPrepend) {
		return 0, false
	}
	if ms := r.Header.Get(HeaderIfModifiedSinceMs); ms != "" {
		v, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	ims := r.Header.Get(HeaderIfModifiedSince)
	if ims == "" {
		return 0, false
	}
	t, err := http.ParseTime(ims)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}

// setModified stamps the seconds-resolution HTTP date alongside the
// exact millisecond instant.
func setModified(header http.Header, ms int64) {
	header.Set(HeaderLastModified, time.UnixMilli(ms).UTC().Format(http.TimeFormat))
	header.Set(HeaderLastModifiedMs, strconv.FormatInt(ms, 10))
}

func writeError(w http.ResponseWriter, err error) {
	status := graffiti.StatusOf(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("Stream request failed: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// ServeDiscover streams the current view of the queried channels for
// the requester. Delta requests receive only lines newer than the
// instant they already hold, with prepend semantics.
func (h *Handler) ServeDiscover(w http.ResponseWriter, r *http.Request, requester string) {
	keys, err := ParseKeys(r.URL.Query().Get("channels"))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(keys) == 0 {
		writeError(w, graffiti.InvalidSchemaf("no channels queried"))
		return
	}

	var sch *schema.Schema
	if raw := r.URL.Query().Get("schema"); raw != "" {
		sch, err = schema.Compile([]byte(raw))
		if err != nil {
			writeError(w, err)
			return
		}
	}

	opts := store.QueryOptions{}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, graffiti.InvalidSchemaf("bad limit %q", l))
			return
		}
		opts.Limit = n
	}

	since, delta := deltaRequest(r)
	if delta {
		// The client already holds everything through `since`.
		opts.IfModifiedSince = since + 1
	}

	stream := h.Store.Query(r.Context(), keys, sch, requester, opts)
	defer stream.Close()

	// The store has already reduced the log to one record per
	// identity, so draining here costs no extra pass; it lets the
	// response stamp Last-Modified before the body starts.
	var (
		records []*graffiti.Object
		newest  int64
	)
	for {
		res, ok := stream.Next(r.Context())
		if !ok {
			break
		}
		if res.Err != nil {
			writeError(w, res.Err)
			return
		}
		records = append(records, res.Object)
		if res.Object.LastModified > newest {
			newest = res.Object.LastModified
		}
	}

	if len(records) == 0 {
		if delta {
			// The 304 revalidates the held lines for a fresh max-age
			// window; without the directive the consumer's cache entry
			// would expire immediately.
			w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", h.maxAge()))
			setModified(w.Header(), since)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", h.maxAge()))
	setModified(w.Header(), newest)
	if delta {
		w.Header().Set(HeaderIM, IMPrepend)
		w.WriteHeader(StatusIMUsed)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	h.writeObjects(w, records)
}

// writeObjects emits records one line at a time, flushing between them
// so consumers see results as they are written.
func (h *Handler) writeObjects(w http.ResponseWriter, records []*graffiti.Object) {
	flusher, _ := w.(http.Flusher)
	for _, obj := range records {
		if err := EncodeLine(w, obj); err != nil {
			log.Debugf("Stream consumer went away: %v", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (h *Handler) writeLines(w http.ResponseWriter, lines [][]byte) {
	flusher, _ := w.(http.Flusher)
	for _, line := range lines {
		if _, err := w.Write(append(line, '\n')); err != nil {
			log.Debugf("Stream consumer went away: %v", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// ServeChannelStats streams the authenticated actor's channel usage,
// one ChannelStat per line.
func (h *Handler) ServeChannelStats(w http.ResponseWriter, r *http.Request, requester string) {
	stats, err := h.Store.ChannelStats(r.Context(), requester)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(stats) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	lines := make([][]byte, 0, len(stats))
	var newest int64
	for _, st := range stats {
		data, err := json.Marshal(st)
		if err != nil {
			writeError(w, fmt.Errorf("failed to encode channel stat: %w", err))
			return
		}
		lines = append(lines, data)
		if st.LastModified > newest {
			newest = st.LastModified
		}
	}

	w.Header().Set("Content-Type", ContentType)
	setModified(w.Header(), newest)
	w.WriteHeader(http.StatusOK)
	h.writeLines(w, lines)
}

// ServeOrphans streams the authenticated actor's channel-less objects.
func (h *Handler) ServeOrphans(w http.ResponseWriter, r *http.Request, requester string) {
	orphans, err := h.Store.Orphans(r.Context(), requester)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(orphans) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var newest int64
	for _, obj := range orphans {
		if obj.LastModified > newest {
			newest = obj.LastModified
		}
	}

	w.Header().Set("Content-Type", ContentType)
	setModified(w.Header(), newest)
	w.WriteHeader(http.StatusOK)
	h.writeObjects(w, orphans)
}
