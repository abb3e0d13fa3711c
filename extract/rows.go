package extract

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/teranos/cachet/errors"
)

// RowsFromJSON turns a JSON document into dataset rows.
//
// path is a dot-separated list of object fields leading to the array
// ("data.items"); empty means the document itself. Objects become rows as-is,
// scalars become {"value": v}.
func RowsFromJSON(data []byte, path string) ([]map[string]interface{}, error) {
	var doc interface{}
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse JSON body")
	}

	if path != "" {
		for _, field := range strings.Split(path, ".") {
			obj, ok := doc.(map[string]interface{})
			if !ok {
				return nil, errors.Newf("rows path %q: %q is not inside an object", path, field)
			}
			doc, ok = obj[field]
			if !ok {
				return nil, errors.Newf("rows path %q: field %q not found", path, field)
			}
		}
	}

	items, ok := doc.([]interface{})
	if !ok {
		return nil, errors.Newf("expected a JSON array of rows, got %s", jsonTypeName(doc))
	}

	rows := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]interface{}); ok {
			rows = append(rows, obj)
			continue
		}
		rows = append(rows, map[string]interface{}{"value": item})
	}
	return rows, nil
}

// ColumnsOf returns every field name used by rows, sorted
func ColumnsOf(rows []map[string]interface{}) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// InferKind picks a kind for rows when the descriptor did not ask for one
func InferKind(rows []map[string]interface{}) string {
	if len(rows) == 0 {
		return KindTable
	}
	scalar, numeric := true, true
	for _, row := range rows {
		v, ok := row["value"]
		if len(row) != 1 || !ok {
			scalar = false
			break
		}
		switch v.(type) {
		case float64, int64, int, json.Number:
		default:
			numeric = false
		}
	}
	switch {
	case scalar && numeric:
		return KindNumerical
	case scalar:
		return KindCategorical
	}
	return KindTable
}

func jsonTypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]interface{}:
		return "an object"
	case string:
		return "a string"
	case bool:
		return "a boolean"
	}
	return "a number"
}
