// Package schema compiles a restricted JSON-Schema dialect into typed
// query predicates.
//
// Discovery queries carry a schema that is evaluated against each
// result envelope. Only the predicate subset is supported: type,
// required, properties, enum, minimum, maximum and not. Unknown
// keywords are ignored so that richer schemas written for other
// engines still act as filters here; malformed values of supported
// keywords are rejected. Compiled predicates are cached by the
// structural hash of the schema document.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/graffitinet/graffiti-server/internal/graffiti"
)

const cacheSize = 256

var compiled, _ = lru.New[string, *Schema](cacheSize)

// Schema is a compiled query predicate.
type Schema struct {
	root *node
	hash string
}

// Compile parses and compiles a schema document. A nil or empty
// document compiles to the universal predicate. Results are cached by
// structural hash, so repeated queries with the same schema reuse the
// compiled form.
func Compile(raw []byte) (*Schema, error) {
	if len(raw) == 0 {
		return &Schema{}, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, graffiti.InvalidSchemaf("schema is not valid JSON")
	}

	// Hash the decoded form re-marshalled: encoding/json sorts map
	// keys, so structurally equal documents hash identically.
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, graffiti.InvalidSchemaf("schema cannot be canonicalized")
	}
	sum := sha256.Sum256(canonical)
	hash := hex.EncodeToString(sum[:])

	if s, ok := compiled.Get(hash); ok {
		return s, nil
	}

	root, err := compileNode(doc)
	if err != nil {
		return nil, err
	}

	s := &Schema{root: root, hash: hash}
	compiled.Add(hash, s)
	return s, nil
}

// Hash returns the structural hash of the schema, or "" for the
// universal predicate.
func (s *Schema) Hash() string {
	if s == nil {
		return ""
	}
	return s.hash
}

// Match evaluates the predicate against a decoded JSON value.
func (s *Schema) Match(v any) bool {
	if s == nil || s.root == nil {
		return true
	}
	return s.root.match(v)
}

// MatchObject evaluates the predicate against an object envelope. The
// envelope is converted to its JSON shape so that predicates see
// exactly what the wire carries.
func (s *Schema) MatchObject(obj *graffiti.Object) bool {
	if s == nil || s.root == nil {
		return true
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return s.root.match(v)
}

// node is one compiled schema level.
type node struct {
	constant   *bool // from a boolean schema
	typ        string
	hasType    bool
	required   []string
	properties map[string]*node
	enum       []any
	hasEnum    bool
	minimum    *float64
	maximum    *float64
	not        *node
}

func compileNode(doc any) (*node, error) {
	switch d := doc.(type) {
	case bool:
		b := d
		return &node{constant: &b}, nil
	case map[string]any:
		n := &node{}
		if err := n.compileKeywords(d); err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, graffiti.InvalidSchemaf("schema must be an object or boolean, got %T", doc)
	}
}

func (n *node) compileKeywords(doc map[string]any) error {
	if raw, ok := doc["type"]; ok {
		t, ok := raw.(string)
		if !ok {
			return graffiti.InvalidSchemaf("type must be a string")
		}
		switch t {
		case "object", "array", "string", "number", "integer", "boolean", "null":
		default:
			return graffiti.InvalidSchemaf("unknown type %q", t)
		}
		n.typ = t
		n.hasType = true
	}

	if raw, ok := doc["required"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return graffiti.InvalidSchemaf("required must be an array")
		}
		for _, e := range list {
			s, ok := e.(string)
			if !ok {
				return graffiti.InvalidSchemaf("required entries must be strings")
			}
			n.required = append(n.required, s)
		}
	}

	if raw, ok := doc["properties"]; ok {
		props, ok := raw.(map[string]any)
		if !ok {
			return graffiti.InvalidSchemaf("properties must be an object")
		}
		n.properties = make(map[string]*node, len(props))
		for name, sub := range props {
			child, err := compileNode(sub)
			if err != nil {
				return fmt.Errorf("property %q: %w", name, err)
			}
			n.properties[name] = child
		}
	}

	if raw, ok := doc["enum"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return graffiti.InvalidSchemaf("enum must be an array")
		}
		n.enum = list
		n.hasEnum = true
	}

	for _, kw := range []string{"minimum", "maximum"} {
		raw, ok := doc[kw]
		if !ok {
			continue
		}
		f, ok := raw.(float64)
		if !ok {
			return graffiti.InvalidSchemaf("%s must be a number", kw)
		}
		if kw == "minimum" {
			n.minimum = &f
		} else {
			n.maximum = &f
		}
	}

	if raw, ok := doc["not"]; ok {
		child, err := compileNode(raw)
		if err != nil {
			return fmt.Errorf("not: %w", err)
		}
		n.not = child
	}

	return nil
}

func (n *node) match(v any) bool {
	if n.constant != nil {
		return *n.constant
	}

	if n.hasType && !typeMatches(n.typ, v) {
		return false
	}

	if n.hasEnum {
		found := false
		for _, e := range n.enum {
			if reflect.DeepEqual(e, v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if n.minimum != nil || n.maximum != nil {
		f, ok := v.(float64)
		if !ok {
			return false
		}
		if n.minimum != nil && f < *n.minimum {
			return false
		}
		if n.maximum != nil && f > *n.maximum {
			return false
		}
	}

	if len(n.required) > 0 {
		obj, ok := v.(map[string]any)
		if !ok {
			return false
		}
		for _, name := range n.required {
			if _, present := obj[name]; !present {
				return false
			}
		}
	}

	if n.properties != nil {
		if obj, ok := v.(map[string]any); ok {
			for name, child := range n.properties {
				if val, present := obj[name]; present && !child.match(val) {
					return false
				}
			}
		}
	}

	if n.not != nil && n.not.match(v) {
		return false
	}

	return true
}

func typeMatches(typ string, v any) bool {
	switch typ {
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "null":
		return v == nil
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	default:
		return false
	}
}
