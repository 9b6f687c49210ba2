package migrate

import (
	"bytes"
	"encoding/json"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Shape is the detected layout of a raw record document. Each Shape is the
// precondition of exactly one migration step, except Current which has none.
type Shape int

const (
	// Unrecognized documents match no known layout.
	Unrecognized Shape = iota - 1
	// LegacyArray records hold an "inventory" array of collectible ids,
	// in which repeated ids represent counts, and a single "balance" currency.
	LegacyArray
	// LegacyObject records hold an id => count ownership mapping under
	// "collection" (or "collectibles"), and cosmetics as an id array.
	LegacyObject
	// Current records hold an id => {count, variant flags} ownership mapping
	// under "collectibles".
	Current
)

// Version returns the schema version implied by the Shape.
func (s Shape) Version() int { return int(s) }

func (s Shape) String() string {
	switch s {
	case LegacyArray:
		return "legacy-array"
	case LegacyObject:
		return "legacy-object"
	case Current:
		return "current"
	default:
		return "unrecognized"
	}
}

// document is a generically decoded record.
type document map[string]interface{}

func decode(raw []byte) (document, error) {
	var dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, pkgerrors.WithMessagef(ErrUnrecognizedSchema, "decoding record: %s", err)
	}
	var doc, ok = v.(map[string]interface{})
	if !ok {
		return nil, pkgerrors.WithMessagef(ErrUnrecognizedSchema, "record is a %T, not an object", v)
	}
	return doc, nil
}

// Detect the Shape of a raw record.
func Detect(raw []byte) (Shape, error) {
	var doc, err = decode(raw)
	if err != nil {
		return Unrecognized, err
	}
	return detect(doc)
}

func detect(doc document) (Shape, error) {
	var inventory, hasInventory = doc["inventory"]
	var collection, hasCollection = doc["collection"]
	var collectibles, hasCollectibles = doc["collectibles"]

	if hasInventory && (hasCollection || hasCollectibles) {
		return unrecognized("both inventory and an ownership mapping are present")
	} else if hasCollection && hasCollectibles {
		return unrecognized("both collection and collectibles are present")
	}

	// Shape implied by the ownership field, if any. An empty mapping carries
	// no layout signal.
	var implied, signalled = LegacyObject, false
	switch {
	case hasInventory:
		if _, ok := inventory.([]interface{}); !ok {
			return unrecognized("inventory is a %T, not an array", inventory)
		}
		implied, signalled = LegacyArray, true
	case hasCollection:
		if kind, err := mappingKind(collection); err != nil {
			return unrecognized("collection: %s", err)
		} else if kind == objectValues {
			return unrecognized("collection has object values")
		} else {
			signalled = kind == countValues
		}
	case hasCollectibles:
		if kind, err := mappingKind(collectibles); err != nil {
			return unrecognized("collectibles: %s", err)
		} else if kind == countValues {
			implied, signalled = LegacyObject, true
		} else {
			implied, signalled = Current, kind == objectValues
		}
	}

	var version, hasVersion = doc["version"]
	if !hasVersion || version == nil {
		return implied, nil
	}

	// An explicit marker must agree with the ownership field, where one exists.
	var n, ok = toInt64(version)
	if !ok {
		return unrecognized("version %v is not an integer", version)
	}
	var explicit = Shape(n)
	if explicit < LegacyArray || explicit > Current {
		return unrecognized("unknown version %d", n)
	}
	if signalled && explicit != implied {
		return unrecognized("version %d conflicts with %s ownership layout", n, implied)
	}
	// Legacy array records have no ownership mapping, empty or otherwise.
	if explicit == LegacyArray && (hasCollection || hasCollectibles) {
		return unrecognized("version %d with an ownership mapping", n)
	}
	return explicit, nil
}

type valueKind int

const (
	emptyMapping valueKind = iota
	countValues
	objectValues
)

// mappingKind classifies an ownership mapping by the type of its values,
// which must be uniform.
func mappingKind(v interface{}) (valueKind, error) {
	var m, ok = v.(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("is a %T, not an object", v)
	}
	var kind = emptyMapping

	for key, value := range m {
		var k valueKind
		switch value.(type) {
		case nil:
			continue // Carries no signal. Dropped on repair.
		case map[string]interface{}:
			k = objectValues
		case json.Number, string:
			k = countValues
		default:
			return 0, fmt.Errorf("key %q has unsupported value %v", key, value)
		}
		if kind != emptyMapping && kind != k {
			return 0, fmt.Errorf("mixes count and object values")
		}
		kind = k
	}
	return kind, nil
}

func unrecognized(format string, args ...interface{}) (Shape, error) {
	return Unrecognized, pkgerrors.WithMessagef(ErrUnrecognizedSchema, format, args...)
}
