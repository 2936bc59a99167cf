// Package mttx computes SOC mean-time-to-X metrics from Chronicle dashboard
// query results.
package mttx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Row is a single decoded result row keyed by column name.
type Row map[string]any

// Table is the row-oriented form of a columnar dashboard query result.
type Table struct {
	Columns []string
	Rows    []Row
}

// Len returns the number of rows.
func (t Table) Len() int {
	return len(t.Rows)
}

// Empty reports whether the table holds no rows.
func (t Table) Empty() bool {
	return len(t.Rows) == 0
}

type queryResult struct {
	Results []resultColumn `json:"results"`
}

type resultColumn struct {
	Column string            `json:"column"`
	Values []json.RawMessage `json:"values"`
}

type resultCell struct {
	List *struct {
		Values []json.RawMessage `json:"values"`
	} `json:"list"`
	Value json.RawMessage `json:"value"`
}

// DecodeTable converts a dashboard query response into a Table.
//
// The response carries one entry per column in "results", each holding one
// cell per row. The row count is taken from the first column. A list cell
// becomes a []any of its truthy element values, a value cell becomes the
// value of its first non-metadata key, and anything else becomes nil.
func DecodeTable(raw []byte) (Table, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Table{}, nil
	}

	var qr queryResult
	if err := json.Unmarshal(raw, &qr); err != nil {
		return Table{}, fmt.Errorf("decode query result: %w", err)
	}

	if len(qr.Results) == 0 {
		return Table{}, nil
	}
	hasValues := false
	for _, res := range qr.Results {
		if len(res.Values) > 0 {
			hasValues = true
			break
		}
	}
	if !hasValues {
		return Table{}, nil
	}

	numRows := len(qr.Results[0].Values)
	t := Table{
		Columns: make([]string, 0, len(qr.Results)),
		Rows:    make([]Row, numRows),
	}
	for i := range t.Rows {
		t.Rows[i] = make(Row, len(qr.Results))
	}

	for _, res := range qr.Results {
		header := res.Column
		if header == "" {
			header = "Unknown"
		}
		t.Columns = append(t.Columns, header)

		for rowIdx := 0; rowIdx < numRows; rowIdx++ {
			if rowIdx >= len(res.Values) {
				t.Rows[rowIdx][header] = nil
				continue
			}
			v, err := decodeCell(res.Values[rowIdx])
			if err != nil {
				return Table{}, fmt.Errorf("column %q row %d: %w", header, rowIdx, err)
			}
			t.Rows[rowIdx][header] = v
		}
	}

	return t, nil
}

func decodeCell(raw json.RawMessage) (any, error) {
	var cell resultCell
	if err := json.Unmarshal(raw, &cell); err != nil {
		// Non-object cells carry no value.
		return nil, nil
	}

	if cell.List != nil && cell.List.Values != nil {
		items := make([]any, 0, len(cell.List.Values))
		for _, item := range cell.List.Values {
			v, ok, err := firstValue(item)
			if err != nil {
				return nil, err
			}
			if ok && truthy(v) {
				items = append(items, v)
			}
		}
		return items, nil
	}

	if len(cell.Value) > 0 {
		v, _, err := firstValue(cell.Value)
		return v, err
	}

	return nil, nil
}

// firstValue returns the value of the first key other than "metadata" in a
// JSON object, preserving document order.
func firstValue(raw json.RawMessage) (any, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, false, fmt.Errorf("read cell: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, false, nil
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, false, fmt.Errorf("read cell key: %w", err)
		}
		key, _ := keyTok.(string)

		var v any
		if err := dec.Decode(&v); err != nil {
			if err == io.EOF {
				break
			}
			return nil, false, fmt.Errorf("read cell value: %w", err)
		}
		if key == "metadata" {
			continue
		}
		return v, true, nil
	}

	return nil, false, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case json.Number:
		f, err := x.Float64()
		return err != nil || f != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}
