package extract

import (
	"github.com/bytedance/sonic"

	"github.com/teranos/cachet/errors"
)

// Dataset kinds a backend may produce
const (
	KindCategorical = "categorical"
	KindNumerical   = "numerical"
	KindArray       = "array"
	KindTable       = "table"
)

// Dataset is the content format every backend writes to the content store
type Dataset struct {
	Kind    string                   `json:"kind"`
	Columns []string                 `json:"columns,omitempty"`
	Rows    []map[string]interface{} `json:"rows"`
}

// DecodeDataset parses stored content
func DecodeDataset(data []byte) (*Dataset, error) {
	var ds Dataset
	if err := sonic.Unmarshal(data, &ds); err != nil {
		return nil, errors.Wrap(err, "failed to decode dataset")
	}
	if ds.Rows == nil {
		ds.Rows = []map[string]interface{}{}
	}
	return &ds, nil
}

// Encode serializes the dataset for the content store
func (d *Dataset) Encode() ([]byte, error) {
	data, err := sonic.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode dataset")
	}
	return data, nil
}

// Filter keeps rows whose value for every filtered field is in that field's
// allow-list. Fields with an empty list do not restrict. The receiver is not modified.
func (d *Dataset) Filter(filters map[string][]interface{}) *Dataset {
	out := &Dataset{Kind: d.Kind, Columns: d.Columns, Rows: []map[string]interface{}{}}

	allowed := make(map[string]map[string]struct{}, len(filters))
	for field, values := range filters {
		if len(values) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(values))
		for _, v := range values {
			set[valueKey(v)] = struct{}{}
		}
		allowed[field] = set
	}

	for _, row := range d.Rows {
		if rowAllowed(row, allowed) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

func rowAllowed(row map[string]interface{}, allowed map[string]map[string]struct{}) bool {
	for field, set := range allowed {
		v, ok := row[field]
		if !ok {
			return false
		}
		if _, ok := set[valueKey(v)]; !ok {
			return false
		}
	}
	return true
}

// valueKey renders a decoded JSON value so that equal values compare equal
// regardless of how they were decoded (1 and 1.0 both become "1")
func valueKey(v interface{}) string {
	s, err := sonic.MarshalString(v)
	if err != nil {
		return "\x00invalid"
	}
	return s
}
