// Package client speaks the object store HTTP surface against a remote
// source on behalf of the router.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/graffitinet/graffiti-server/internal/graffiti"
)

var log = logging.Logger("client")

// Header names of the object surface. Channels and Allowed carry
// comma-joined percent-encoded string lists; an absent Allowed header
// means public.
const (
	HeaderChannels       = "Channels"
	HeaderAllowed        = "Allowed"
	HeaderLastModifiedMs = "Last-Modified-Ms"
)

// Client issues object operations against remote sources. The zero
// value uses http.DefaultClient.
type Client struct{}

func httpClient(session *graffiti.Session) *http.Client {
	if session != nil && session.Transport != nil {
		return &http.Client{Transport: session.Transport}
	}
	return http.DefaultClient
}

// objectURL joins a source origin with the escaped identity path.
func objectURL(loc graffiti.Location) (string, error) {
	base, err := url.Parse(loc.Source)
	if err != nil || base.Scheme == "" {
		return "", fmt.Errorf("bad source origin %q", loc.Source)
	}
	return base.JoinPath(url.PathEscape(loc.Actor), url.PathEscape(loc.Name)).String(), nil
}

// EncodeList joins a string list into a single header value, percent
// escaping each element so commas in values survive.
func EncodeList(values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = url.QueryEscape(v)
	}
	return strings.Join(parts, ",")
}

// DecodeList reverses EncodeList. The empty string is the empty list.
func DecodeList(joined string) ([]string, error) {
	if joined == "" {
		return []string{}, nil
	}
	parts := strings.Split(joined, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		v, err := url.QueryUnescape(p)
		if err != nil {
			return nil, fmt.Errorf("bad list element %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

func modifiedOf(header http.Header) int64 {
	if ms := header.Get(HeaderLastModifiedMs); ms != "" {
		if v, err := strconv.ParseInt(ms, 10, 64); err == nil {
			return v
		}
	}
	if lm := header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	var wire struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error != "" {
		msg = wire.Error
	}
	return graffiti.ErrorFromStatus(resp.StatusCode, msg)
}

// previousFrom reconstructs the prior version carried by a mutation
// response: value from the body, owner metadata from headers.
func previousFrom(loc graffiti.Location, resp *http.Response) (*graffiti.Object, error) {
	prev := &graffiti.Object{
		Actor:  loc.Actor,
		Name:   loc.Name,
		Source: loc.Source,
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &prev.Value); err != nil {
			return nil, fmt.Errorf("bad prior value in response: %w", err)
		}
	}
	if ch := resp.Header.Get(HeaderChannels); ch != "" {
		prev.Channels, err = DecodeList(ch)
		if err != nil {
			return nil, err
		}
	}
	if _, ok := resp.Header[HeaderAllowed]; ok {
		prev.Allowed, err = DecodeList(resp.Header.Get(HeaderAllowed))
		if err != nil {
			return nil, err
		}
	}
	return prev, nil
}

// Put stores an object at its remote source. The object's LastModified
// is updated from the response; the return value is the prior version,
// or nil when the put created the object.
func (c *Client) Put(ctx context.Context, obj *graffiti.Object, session *graffiti.Session) (*graffiti.Object, error) {
	target, err := objectURL(obj.Location())
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(obj.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(obj.Channels) > 0 {
		req.Header.Set(HeaderChannels, EncodeList(obj.Channels))
	}
	if obj.Allowed != nil {
		req.Header.Set(HeaderAllowed, EncodeList(obj.Allowed))
	}

	resp, err := httpClient(session).Do(req)
	if err != nil {
		return nil, fmt.Errorf("put %s failed: %w", target, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		obj.LastModified = modifiedOf(resp.Header)
		return nil, nil
	case http.StatusOK:
		obj.LastModified = modifiedOf(resp.Header)
		return previousFrom(obj.Location(), resp)
	default:
		return nil, statusError(resp)
	}
}

// Get fetches the current version of a remote object. Tombstones come
// back with Tombstone set and no value.
func (c *Client) Get(ctx context.Context, loc graffiti.Location, session *graffiti.Session) (*graffiti.Object, error) {
	target, err := objectURL(loc)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient(session).Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s failed: %w", target, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		obj, err := previousFrom(loc, resp)
		if err != nil {
			return nil, err
		}
		obj.LastModified = modifiedOf(resp.Header)
		return obj, nil
	case http.StatusGone:
		return &graffiti.Object{
			Actor:        loc.Actor,
			Name:         loc.Name,
			Source:       loc.Source,
			Tombstone:    true,
			LastModified: modifiedOf(resp.Header),
		}, nil
	default:
		return nil, statusError(resp)
	}
}

// Patch applies a patch to a remote object: value operations travel in
// the body, channels/allowed operations as percent-encoded JSON in
// repeated query parameters. Returns the prior version and the new
// version's stamp.
func (c *Client) Patch(ctx context.Context, p *graffiti.Patch, loc graffiti.Location, session *graffiti.Session) (*graffiti.Object, int64, error) {
	target, err := objectURL(loc)
	if err != nil {
		return nil, 0, err
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, 0, err
	}
	q := u.Query()
	if err := appendOps(q, "channels", p.Channels); err != nil {
		return nil, 0, err
	}
	if err := appendOps(q, "allowed", p.Allowed); err != nil {
		return nil, 0, err
	}
	u.RawQuery = q.Encode()

	ops := p.Value
	if ops == nil {
		ops = []graffiti.PatchOp{}
	}
	body, err := json.Marshal(ops)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode patch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json-patch+json")

	resp, err := httpClient(session).Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("patch %s failed: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, statusError(resp)
	}
	prev, err := previousFrom(loc, resp)
	if err != nil {
		return nil, 0, err
	}
	return prev, modifiedOf(resp.Header), nil
}

func appendOps(q url.Values, param string, ops []graffiti.PatchOp) error {
	for _, op := range ops {
		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("failed to encode %s patch op: %w", param, err)
		}
		q.Add(param, string(data))
	}
	return nil
}

// Delete tombstones a remote object, returning its prior version and
// the tombstone's stamp.
func (c *Client) Delete(ctx context.Context, loc graffiti.Location, session *graffiti.Session) (*graffiti.Object, int64, error) {
	target, err := objectURL(loc)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := httpClient(session).Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("delete %s failed: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, statusError(resp)
	}
	prev, err := previousFrom(loc, resp)
	if err != nil {
		return nil, 0, err
	}
	return prev, modifiedOf(resp.Header), nil
}
