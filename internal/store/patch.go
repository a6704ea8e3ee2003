package store

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/graffitinet/graffiti-server/internal/graffiti"
)

// Patch loads the current version, applies the value, channels and
// allowed operation lists independently and appends the result as a
// new version, returning the pre-patch version and the new version's
// lastModified. A failing test op aborts its list with
// ErrPatchTestFailed; any structural failure raises ErrPatchError. A
// concurrent writer on the same identity surfaces as a retryable
// ErrConflict.
func (s *Store) Patch(ctx context.Context, p *graffiti.Patch, loc graffiti.Location, session *graffiti.Session) (*graffiti.Object, int64, error) {
	actor := session.ActorOrEmpty()
	if actor == "" {
		return nil, 0, graffiti.ErrUnauthorized
	}
	if loc.Actor != actor {
		return nil, 0, graffiti.Forbiddenf("cannot patch object owned by %s", loc.Actor)
	}

	prev, err := s.currentVersion(ctx, loc)
	if err != nil {
		return nil, 0, err
	}
	if prev == nil || prev.obj.Tombstone {
		return nil, 0, graffiti.NotFoundf("object %s/%s", loc.Actor, loc.Name)
	}

	next, err := applyPatch(prev.obj, p)
	if err != nil {
		return nil, 0, err
	}
	next.LastModified = nextModified(prev)

	ok, err := s.appendVersion(ctx, next, prev.seq)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("patch raced a concurrent write: %w", graffiti.ErrConflict)
	}

	s.subs.publish(prev.obj, next)
	return prev.obj, next.LastModified, nil
}

// applyPatch produces the post-patch object without touching the
// store. Each facet starts from the current version's JSON form.
func applyPatch(cur *graffiti.Object, p *graffiti.Patch) (*graffiti.Object, error) {
	next := cur.Clone()

	if len(p.Value) > 0 {
		doc, err := json.Marshal(cur.Value)
		if err != nil {
			return nil, graffiti.PatchErrorf("value is not serializable")
		}
		doc, err = applyOps(doc, p.Value)
		if err != nil {
			return nil, fmt.Errorf("value patch: %w", err)
		}
		var patched map[string]any
		if err := json.Unmarshal(doc, &patched); err != nil || patched == nil {
			return nil, graffiti.PatchErrorf("patched value is not a JSON object")
		}
		next.Value = patched
	}

	if len(p.Channels) > 0 {
		doc, _ := json.Marshal(cur.Channels)
		doc, err := applyOps(doc, p.Channels)
		if err != nil {
			return nil, fmt.Errorf("channels patch: %w", err)
		}
		var patched []string
		if err := json.Unmarshal(doc, &patched); err != nil {
			return nil, graffiti.PatchErrorf("patched channels are not a string list")
		}
		if err := validateChannels(patched); err != nil {
			return nil, graffiti.PatchErrorf("patched channels are not unique")
		}
		next.Channels = patched
	}

	if len(p.Allowed) > 0 {
		// A public object has no allowed document; patches address it
		// as JSON null and may replace the whole list at the root.
		doc := []byte("null")
		if cur.Allowed != nil {
			doc, _ = json.Marshal(cur.Allowed)
		}
		doc, err := applyOps(doc, p.Allowed)
		if err != nil {
			return nil, fmt.Errorf("allowed patch: %w", err)
		}
		if string(doc) == "null" {
			next.Allowed = nil
		} else {
			var patched []string
			if err := json.Unmarshal(doc, &patched); err != nil {
				return nil, graffiti.PatchErrorf("patched allowed list is not a string list")
			}
			if patched == nil {
				patched = []string{}
			}
			next.Allowed = patched
		}
	}

	return next, nil
}

// applyOps applies JSON-Patch operations one at a time, in array
// order, so a failing test op can be told apart from a structural
// failure and aborts the remaining ops.
func applyOps(doc []byte, ops []graffiti.PatchOp) ([]byte, error) {
	for i, op := range ops {
		switch op.Op {
		case "add", "remove", "replace", "move", "copy", "test":
		default:
			return nil, graffiti.PatchErrorf("op %d has unknown kind %q", i, op.Op)
		}

		raw, err := json.Marshal([]graffiti.PatchOp{op})
		if err != nil {
			return nil, graffiti.PatchErrorf("op %d is not serializable", i)
		}
		patch, err := jsonpatch.DecodePatch(raw)
		if err != nil {
			return nil, graffiti.PatchErrorf("op %d is malformed: %v", i, err)
		}

		doc, err = patch.Apply(doc)
		if err != nil {
			if op.Op == "test" {
				return nil, fmt.Errorf("op %d: %w", i, graffiti.ErrPatchTestFailed)
			}
			return nil, graffiti.PatchErrorf("op %d failed: %v", i, err)
		}
	}
	return doc, nil
}
