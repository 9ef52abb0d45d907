package state

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"

	"github.com/cockroachdb/errors"
)

// Change is one differing path between two JSON documents.
type Change struct {
	Path   string
	Before json.RawMessage
	After  json.RawMessage
}

// Diff compares two JSON documents. Objects are compared key by key; any
// other value, arrays included, is compared as a whole. Paths are dotted and
// rooted at "state". A key present on one side only is reported with null on
// the other.
func Diff(before, after []byte) ([]Change, error) {
	a, err := decode(before)
	if err != nil {
		return nil, errors.Wrap(err, "decode before")
	}
	b, err := decode(after)
	if err != nil {
		return nil, errors.Wrap(err, "decode after")
	}

	var changes []Change
	if err := diffValue("state", a, b, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func diffValue(path string, a, b any, out *[]Change) error {
	am, aIsObj := a.(map[string]any)
	bm, bIsObj := b.(map[string]any)
	if aIsObj && bIsObj {
		keys := make([]string, 0, len(am)+len(bm))
		for k := range am {
			keys = append(keys, k)
		}
		for k := range bm {
			if _, ok := am[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := diffValue(path+"."+k, am[k], bm[k], out); err != nil {
				return err
			}
		}
		return nil
	}

	if reflect.DeepEqual(a, b) {
		return nil
	}

	before, err := json.Marshal(a)
	if err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	after, err := json.Marshal(b)
	if err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	*out = append(*out, Change{Path: path, Before: before, After: after})
	return nil
}
