// Package server wires the object store surface onto HTTP: per-object
// CRUD, the discovery stream, and the actor housekeeping endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/graffitinet/graffiti-server/internal/client"
	"github.com/graffitinet/graffiti-server/internal/discovery"
	"github.com/graffitinet/graffiti-server/internal/graffiti"
	"github.com/graffitinet/graffiti-server/internal/schema"
	"github.com/graffitinet/graffiti-server/internal/store"
)

var log = logging.Logger("server")

// ObjectAPI is the mutation/read surface the handlers drive. The
// router satisfies it; handlers never care whether a call ends up
// local or remote.
type ObjectAPI interface {
	Put(ctx context.Context, obj *graffiti.Object, session *graffiti.Session) (*graffiti.Object, error)
	Get(ctx context.Context, loc graffiti.Location, session *graffiti.Session) (*graffiti.Object, error)
	Patch(ctx context.Context, p *graffiti.Patch, loc graffiti.Location, session *graffiti.Session) (*graffiti.Object, int64, error)
	Delete(ctx context.Context, loc graffiti.Location, session *graffiti.Session) (*graffiti.Object, int64, error)
}

// Server is the HTTP surface of one pod.
type Server struct {
	api  ObjectAPI
	disc *discovery.Handler
	auth Authenticator

	httpServer *http.Server
	handler    http.Handler
}

// New assembles the surface. The store backs the discovery stream and
// housekeeping endpoints directly; mutations and reads go through api.
func New(api ObjectAPI, st *store.Store, auth Authenticator, maxAge int) *Server {
	s := &Server{
		api:  api,
		disc: &discovery.Handler{Store: st, MaxAge: maxAge},
		auth: auth,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /discover", s.withSession(s.handleDiscover))
	mux.HandleFunc("GET /channel-stats", s.withSession(s.handleChannelStats))
	mux.HandleFunc("GET /recover-orphans", s.withSession(s.handleOrphans))
	mux.HandleFunc("PUT /{actor}/{name}", s.withSession(s.handlePut))
	mux.HandleFunc("GET /{actor}/{name}", s.withSession(s.handleGet))
	mux.HandleFunc("PATCH /{actor}/{name}", s.withSession(s.handlePatch))
	mux.HandleFunc("DELETE /{actor}/{name}", s.withSession(s.handleDelete))
	s.handler = mux
	return s
}

// Handler exposes the routed surface, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("HTTP surface listening on %s", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeError(w http.ResponseWriter, err error) {
	status := graffiti.StatusOf(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("Request failed: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func setModified(header http.Header, ms int64) {
	header.Set(discovery.HeaderLastModified, time.UnixMilli(ms).UTC().Format(http.TimeFormat))
	header.Set(discovery.HeaderLastModifiedMs, strconv.FormatInt(ms, 10))
}

// setOwnerHeaders attaches the channels/allowed of a version. Only
// owners ever reach this; masking for everyone else happened in the
// store.
func setOwnerHeaders(header http.Header, obj *graffiti.Object) {
	if len(obj.Channels) > 0 {
		header.Set(client.HeaderChannels, client.EncodeList(obj.Channels))
	}
	if obj.Allowed != nil {
		header.Set(client.HeaderAllowed, client.EncodeList(obj.Allowed))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// locationOf resolves the identity named by the request path. An
// explicit source query parameter targets a foreign origin; otherwise
// the API routes the identity to its default home.
func locationOf(r *http.Request) graffiti.Location {
	return graffiti.Location{
		Actor:  r.PathValue("actor"),
		Name:   r.PathValue("name"),
		Source: r.URL.Query().Get("source"),
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	loc := locationOf(r)

	var value map[string]any
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeError(w, graffiti.InvalidSchemaf("bad value body: %v", err))
		return
	}

	obj := &graffiti.Object{
		Actor:  loc.Actor,
		Name:   loc.Name,
		Source: loc.Source,
		Value:  value,
	}
	if ch := r.Header.Get(client.HeaderChannels); ch != "" {
		channels, err := client.DecodeList(ch)
		if err != nil {
			writeError(w, graffiti.InvalidSchemaf("bad channels header: %v", err))
			return
		}
		obj.Channels = channels
	}
	if _, ok := r.Header[client.HeaderAllowed]; ok {
		allowed, err := client.DecodeList(r.Header.Get(client.HeaderAllowed))
		if err != nil {
			writeError(w, graffiti.InvalidSchemaf("bad allowed header: %v", err))
			return
		}
		obj.Allowed = allowed
	}

	prev, err := s.api.Put(r.Context(), obj, session)
	if err != nil {
		writeError(w, err)
		return
	}

	setModified(w.Header(), obj.LastModified)
	if prev == nil {
		w.WriteHeader(http.StatusCreated)
		return
	}
	setOwnerHeaders(w.Header(), prev)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeValue(w, prev.Value)
}

func writeValue(w http.ResponseWriter, value map[string]any) {
	if value == nil {
		value = map[string]any{}
	}
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Debugf("Failed to write value body: %v", err)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	loc := locationOf(r)

	obj, err := s.api.Get(r.Context(), loc, session)
	if err != nil {
		writeError(w, err)
		return
	}

	if obj.Tombstone {
		setModified(w.Header(), obj.LastModified)
		if session.ActorOrEmpty() == obj.Actor {
			setOwnerHeaders(w.Header(), obj)
		}
		w.WriteHeader(http.StatusGone)
		return
	}

	if raw := r.URL.Query().Get("schema"); raw != "" {
		sch, err := schema.Compile([]byte(raw))
		if err != nil {
			writeError(w, err)
			return
		}
		if !sch.MatchObject(obj) {
			writeError(w, fmt.Errorf("object %s/%s: %w", loc.Actor, loc.Name, graffiti.ErrSchemaMismatch))
			return
		}
	}

	setModified(w.Header(), obj.LastModified)
	if session.ActorOrEmpty() == obj.Actor {
		setOwnerHeaders(w.Header(), obj)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeValue(w, obj.Value)
}

// patchOps decodes the percent-encoded per-op JSON carried in repeated
// query parameters for the channels/allowed facets.
func patchOps(r *http.Request, param string) ([]graffiti.PatchOp, error) {
	values := r.URL.Query()[param]
	if len(values) == 0 {
		return nil, nil
	}
	ops := make([]graffiti.PatchOp, len(values))
	for i, v := range values {
		if err := json.Unmarshal([]byte(v), &ops[i]); err != nil {
			return nil, graffiti.PatchErrorf("bad %s patch op %d: %v", param, i, err)
		}
	}
	return ops, nil
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	loc := locationOf(r)

	p := &graffiti.Patch{}
	if err := json.NewDecoder(r.Body).Decode(&p.Value); err != nil {
		writeError(w, graffiti.PatchErrorf("bad patch body: %v", err))
		return
	}
	var err error
	if p.Channels, err = patchOps(r, "channels"); err != nil {
		writeError(w, err)
		return
	}
	if p.Allowed, err = patchOps(r, "allowed"); err != nil {
		writeError(w, err)
		return
	}

	prev, modified, err := s.api.Patch(r.Context(), p, loc, session)
	if err != nil {
		writeError(w, err)
		return
	}

	setModified(w.Header(), modified)
	setOwnerHeaders(w.Header(), prev)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeValue(w, prev.Value)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	loc := locationOf(r)

	prev, modified, err := s.api.Delete(r.Context(), loc, session)
	if err != nil {
		writeError(w, err)
		return
	}

	setModified(w.Header(), modified)
	setOwnerHeaders(w.Header(), prev)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeValue(w, prev.Value)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	s.disc.ServeDiscover(w, r, SessionFromContext(r.Context()).ActorOrEmpty())
}

func (s *Server) handleChannelStats(w http.ResponseWriter, r *http.Request) {
	s.disc.ServeChannelStats(w, r, SessionFromContext(r.Context()).ActorOrEmpty())
}

func (s *Server) handleOrphans(w http.ResponseWriter, r *http.Request) {
	s.disc.ServeOrphans(w, r, SessionFromContext(r.Context()).ActorOrEmpty())
}
