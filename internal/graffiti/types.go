// Package graffiti defines the shared data model for the object store:
// objects, patches, channel statistics, sessions, and the error taxonomy
// used across the local store, the wire protocol, and the client.
package graffiti

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Location uniquely names a logical object across all of its versions.
type Location struct {
	Actor  string `json:"actor"`
	Name   string `json:"name"`
	Source string `json:"source"`
}

// Object is one version of a stored object. The identity is the
// (Actor, Name, Source) triple; LastModified is strictly increasing
// across versions of the same identity, and the version with the
// maximal LastModified is the current one.
type Object struct {
	Actor  string         `json:"actor"`
	Name   string         `json:"name"`
	Source string         `json:"source"`
	Value  map[string]any `json:"value,omitempty"`

	// Channels holds the plaintext channel strings as written by the
	// owner. Masked envelopes handed to non-owners carry derived
	// channel keys here instead.
	Channels []string `json:"channels"`

	// Allowed lists the actors that may read this object. nil means
	// public; an empty non-nil list means readable by the owner only.
	Allowed []string `json:"allowed,omitempty"`

	Tombstone bool `json:"tombstone,omitempty"`

	// LastModified is a unix-millisecond timestamp.
	LastModified int64 `json:"lastModified"`
}

// Location returns the identity triple of the object.
func (o *Object) Location() Location {
	return Location{Actor: o.Actor, Name: o.Name, Source: o.Source}
}

// IsPublic reports whether the object has no access-control list.
func (o *Object) IsPublic() bool {
	return o.Allowed == nil
}

// VisibleTo reports whether the requesting actor may read this version.
// The owner always may; otherwise the object must be public or the
// requester must be listed in Allowed.
func (o *Object) VisibleTo(actor string) bool {
	if actor != "" && actor == o.Actor {
		return true
	}
	if o.Allowed == nil {
		return true
	}
	for _, a := range o.Allowed {
		if a == actor && actor != "" {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Value maps are copied through a JSON
// round trip so that callers can mutate the copy freely.
func (o *Object) Clone() *Object {
	c := *o
	c.Channels = append([]string(nil), o.Channels...)
	if o.Allowed != nil {
		c.Allowed = append([]string{}, o.Allowed...)
	}
	if o.Value != nil {
		raw, _ := json.Marshal(o.Value)
		var v map[string]any
		_ = json.Unmarshal(raw, &v)
		c.Value = v
	}
	return &c
}

// objectJSON mirrors Object but marshals Value and Allowed through
// pointers so absence (tombstone/masked value, public ACL) stays
// distinguishable from the valid empty object and empty list, which
// omitempty would otherwise collapse.
type objectJSON struct {
	Actor        string          `json:"actor"`
	Name         string          `json:"name"`
	Source       string          `json:"source"`
	Value        *map[string]any `json:"value,omitempty"`
	Channels     []string        `json:"channels"`
	Allowed      *[]string       `json:"allowed,omitempty"`
	Tombstone    bool            `json:"tombstone,omitempty"`
	LastModified int64           `json:"lastModified"`
}

// MarshalJSON emits "value":{} for an empty value and "allowed":[] for
// an owner-only object, omitting each field entirely only when truly
// absent.
func (o Object) MarshalJSON() ([]byte, error) {
	j := objectJSON{
		Actor:        o.Actor,
		Name:         o.Name,
		Source:       o.Source,
		Channels:     o.Channels,
		Tombstone:    o.Tombstone,
		LastModified: o.LastModified,
	}
	if j.Channels == nil {
		j.Channels = []string{}
	}
	if o.Value != nil {
		value := o.Value
		j.Value = &value
	}
	if o.Allowed != nil {
		allowed := o.Allowed
		j.Allowed = &allowed
	}
	return json.Marshal(j)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (o *Object) UnmarshalJSON(data []byte) error {
	var j objectJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	o.Actor = j.Actor
	o.Name = j.Name
	o.Source = j.Source
	o.Channels = j.Channels
	o.Tombstone = j.Tombstone
	o.LastModified = j.LastModified
	if j.Value != nil {
		o.Value = *j.Value
		if o.Value == nil {
			o.Value = map[string]any{}
		}
	} else {
		o.Value = nil
	}
	if j.Allowed != nil {
		o.Allowed = *j.Allowed
		if o.Allowed == nil {
			o.Allowed = []string{}
		}
	} else {
		o.Allowed = nil
	}
	return nil
}

// PatchOp is a single RFC 6902 JSON-Patch operation.
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Patch carries independent JSON-Patch operation lists for the three
// patchable facets of an object. Each list is applied in array order.
type Patch struct {
	Value    []PatchOp `json:"value,omitempty"`
	Channels []PatchOp `json:"channels,omitempty"`
	Allowed  []PatchOp `json:"allowed,omitempty"`
}

// IsEmpty reports whether the patch contains no operations at all.
func (p *Patch) IsEmpty() bool {
	return len(p.Value) == 0 && len(p.Channels) == 0 && len(p.Allowed) == 0
}

// ChannelStat is the per-channel aggregate over an actor's current
// object versions.
type ChannelStat struct {
	Channel      string `json:"channel"`
	Count        int    `json:"count"`
	LastModified int64  `json:"lastModified"`
}

// Session is the opaque authentication result consumed by the core.
// Identity establishment happens elsewhere; the core only sees the
// actor URI and, for remote sessions, the transport to reach it.
type Session struct {
	Actor     string
	Transport http.RoundTripper
}

// Actor returns the session's actor, or "" for a nil (anonymous)
// session.
func (s *Session) ActorOrEmpty() string {
	if s == nil {
		return ""
	}
	return s.Actor
}

// IsRemote reports whether the session belongs to a remote actor: the
// actor is an HTTP(S) URI and a network transport is attached.
func (s *Session) IsRemote() bool {
	if s == nil || s.Transport == nil {
		return false
	}
	return IsRemoteOrigin(s.Actor)
}

// IsRemoteOrigin reports whether a source or actor string names an
// HTTP(S) origin.
func IsRemoteOrigin(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// NowMillis returns the current time as unix milliseconds, the
// timestamp resolution used throughout the store.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
