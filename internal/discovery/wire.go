// Package discovery serializes object store query results as an
// incremental newline-delimited JSON stream and implements the
// conditional delta protocol on top of it.
package discovery

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/graffitinet/graffiti-server/internal/channel"
	"github.com/graffitinet/graffiti-server/internal/graffiti"
)

var log = logging.Logger("discovery")

// ContentType identifies the line-delimited stream body.
const ContentType = "application/x-ndjson"

// Header names of the delta protocol. Last-Modified is an HTTP date and
// truncates to seconds, so a millisecond companion header carries the
// exact value.
const (
	HeaderLastModified      = "Last-Modified"
	HeaderLastModifiedMs    = "Last-Modified-Ms"
	HeaderIfModifiedSince   = "If-Modified-Since"
	HeaderIfModifiedSinceMs = "If-Modified-Since-Ms"
	HeaderIM                = "IM"
	HeaderAIM               = "A-IM"

	// IMPrepend instructs the consumer to place the returned lines in
	// front of its previously held line set.
	IMPrepend = "prepend"
)

// StatusIMUsed is the 226 response code of RFC 3229.
const StatusIMUsed = 226

// EncodeLine writes one object as a single JSON line.
func EncodeLine(w io.Writer, obj *graffiti.Object) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to encode stream line: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write stream line: %w", err)
	}
	return nil
}

// DecodeLine parses and validates one line of a discovery stream. A
// malformed line yields an error for that line only; callers are
// expected to keep consuming the stream.
func DecodeLine(line []byte) (*graffiti.Object, error) {
	var obj graffiti.Object
	if err := json.Unmarshal(line, &obj); err != nil {
		return nil, fmt.Errorf("malformed stream line: %w", err)
	}
	if obj.Actor == "" || obj.Name == "" {
		return nil, fmt.Errorf("stream line missing identity fields")
	}
	if !obj.Tombstone && obj.Value == nil {
		return nil, fmt.Errorf("stream line for %s/%s has no value", obj.Actor, obj.Name)
	}
	if obj.LastModified <= 0 {
		return nil, fmt.Errorf("stream line for %s/%s has no timestamp", obj.Actor, obj.Name)
	}
	return &obj, nil
}

// DecodeStream reads an entire line stream, delivering one result per
// line. Per-line decode failures are delivered as errored results and
// never terminate the scan.
func DecodeStream(r io.Reader) []graffiti.Result {
	var results []graffiti.Result
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		obj, err := DecodeLine([]byte(line))
		if err != nil {
			log.Debugf("Dropping bad stream line: %v", err)
			results = append(results, graffiti.Result{Err: err})
			continue
		}
		results = append(results, graffiti.Result{Object: obj})
	}
	if err := scanner.Err(); err != nil {
		results = append(results, graffiti.Result{Err: fmt.Errorf("stream read failed: %w", err)})
	}
	return results
}

// ParseKeys parses a comma-joined list of channel keys as carried in
// the discover query string.
func ParseKeys(param string) ([]channel.Key, error) {
	if param == "" {
		return nil, nil
	}
	parts := strings.Split(param, ",")
	keys := make([]channel.Key, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, err := channel.ParseKey(p)
		if err != nil {
			return nil, graffiti.InvalidSchemaf("bad channel key %q: %v", p, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}
