package target

import (
	"strings"

	"github.com/roach88/changesync/internal/ir"
)

type fieldKind int

const (
	fieldText fieldKind = iota
	fieldNullableText
	fieldInt
	fieldObject
)

type column struct {
	name string
	kind fieldKind
}

var channelFields = map[string]column{
	"name":            {"name", fieldText},
	"description":     {"description", fieldText},
	"language":        {"language", fieldText},
	"thumbnail":       {"thumbnail", fieldText},
	"staging_tree_id": {"staging_tree_id", fieldNullableText},
}

var nodeFields = map[string]column{
	"title":       {"title", fieldText},
	"description": {"description", fieldText},
	"license":     {"license", fieldText},
	"kind":        {"kind", fieldText},
	"extra":       {"extra", fieldObject},
	"sort_order":  {"sort_order", fieldInt},
}

var fileFields = map[string]column{
	"contentnode": {"node_id", fieldNullableText},
	"checksum":    {"checksum", fieldText},
	"preset":      {"preset", fieldText},
	"file_format": {"file_format", fieldText},
	"size":        {"size", fieldInt},
}

// assignments converts an UPDATE's mods into SET clauses. Keys are visited
// in canonical order so the generated SQL is stable. Unknown keys and values
// of the wrong type make the whole change invalid; null resets a field.
func assignments(m ir.IRObject, allowed map[string]column) (string, []any, error) {
	if len(m) == 0 {
		return "", nil, invalidf("mods must not be empty")
	}

	sets := make([]string, 0, len(m))
	args := make([]any, 0, len(m))
	for _, key := range m.SortedKeys() {
		col, ok := allowed[key]
		if !ok {
			return "", nil, invalidf("field %q cannot be updated", key)
		}
		val, err := columnValue(key, col, m[key])
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, col.name+" = ?")
		args = append(args, val)
	}
	return strings.Join(sets, ", "), args, nil
}

func columnValue(key string, col column, v ir.IRValue) (any, error) {
	if _, isNull := v.(ir.IRNull); isNull {
		switch col.kind {
		case fieldNullableText:
			return nil, nil
		case fieldInt:
			return int64(0), nil
		case fieldObject:
			return "{}", nil
		default:
			return "", nil
		}
	}

	switch col.kind {
	case fieldText, fieldNullableText:
		s, ok := v.(ir.IRString)
		if !ok {
			return nil, invalidf("field %q must be a string", key)
		}
		if col.kind == fieldNullableText && s == "" {
			return nil, nil
		}
		return string(s), nil
	case fieldInt:
		n, ok := v.(ir.IRInt)
		if !ok {
			return nil, invalidf("field %q must be an integer", key)
		}
		return int64(n), nil
	case fieldObject:
		obj, ok := v.(ir.IRObject)
		if !ok {
			return nil, invalidf("field %q must be an object", key)
		}
		data, err := ir.MarshalCanonical(obj)
		if err != nil {
			return nil, invalidf("field %q: %v", key, err)
		}
		return string(data), nil
	default:
		return nil, invalidf("field %q has no storage", key)
	}
}
