package mttx

import (
	"reflect"
	"testing"
)

func TestDecodeTable(t *testing.T) {
	raw := []byte(`{"results":[
		{"column":"case_id","values":[{"value":{"stringVal":"c1"}},{"value":{"stringVal":"c2"}}]},
		{"column":"tags","values":[
			{"list":{"values":[{"stringVal":"a"},{"stringVal":""},{"metadata":{},"stringVal":"b"}]}},
			{}
		]},
		{"column":"","values":[{"value":{"metadata":{"x":1},"int64Val":"5"}}]}
	]}`)

	table, err := DecodeTable(raw)
	if err != nil {
		t.Fatalf("DecodeTable() error = %v", err)
	}

	wantCols := []string{"case_id", "tags", "Unknown"}
	if !reflect.DeepEqual(table.Columns, wantCols) {
		t.Errorf("Columns = %v, want %v", table.Columns, wantCols)
	}
	if table.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", table.Len())
	}

	r0 := table.Rows[0]
	if r0["case_id"] != "c1" {
		t.Errorf("row0 case_id = %v, want c1", r0["case_id"])
	}
	if !reflect.DeepEqual(r0["tags"], []any{"a", "b"}) {
		t.Errorf("row0 tags = %#v, want [a b]", r0["tags"])
	}
	if r0["Unknown"] != "5" {
		t.Errorf("row0 Unknown = %v, want 5", r0["Unknown"])
	}

	r1 := table.Rows[1]
	if r1["case_id"] != "c2" {
		t.Errorf("row1 case_id = %v, want c2", r1["case_id"])
	}
	if r1["tags"] != nil {
		t.Errorf("row1 tags = %#v, want nil", r1["tags"])
	}
	if v, ok := r1["Unknown"]; !ok || v != nil {
		t.Errorf("row1 Unknown = %v (present %v), want nil", v, ok)
	}
}

func TestDecodeTableKeyOrder(t *testing.T) {
	raw := []byte(`{"results":[{"column":"x","values":[{"value":{"zeta":"first","alpha":"second"}}]}]}`)
	table, err := DecodeTable(raw)
	if err != nil {
		t.Fatalf("DecodeTable() error = %v", err)
	}
	if got := table.Rows[0]["x"]; got != "first" {
		t.Errorf("x = %v, want first", got)
	}
}

func TestDecodeTableEmpty(t *testing.T) {
	tests := map[string]string{
		"blank":         ``,
		"no results":    `{"results":[]}`,
		"no values":     `{"results":[{"column":"a","values":[]},{"column":"b"}]}`,
		"missing field": `{}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			table, err := DecodeTable([]byte(raw))
			if err != nil {
				t.Fatalf("DecodeTable() error = %v", err)
			}
			if !table.Empty() {
				t.Errorf("Empty() = false, want true (rows %d)", table.Len())
			}
		})
	}
}

func TestDecodeTableNonObjectCell(t *testing.T) {
	raw := []byte(`{"results":[{"column":"a","values":["plain", 3, {"value":{"boolVal":true}}]}]}`)
	table, err := DecodeTable(raw)
	if err != nil {
		t.Fatalf("DecodeTable() error = %v", err)
	}
	if table.Rows[0]["a"] != nil || table.Rows[1]["a"] != nil {
		t.Errorf("non-object cells = %v, %v, want nil", table.Rows[0]["a"], table.Rows[1]["a"])
	}
	if table.Rows[2]["a"] != true {
		t.Errorf("bool cell = %v, want true", table.Rows[2]["a"])
	}
}

func TestDecodeTableInvalidJSON(t *testing.T) {
	if _, err := DecodeTable([]byte(`{"results":`)); err == nil {
		t.Error("DecodeTable() error = nil, want error")
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		v    any
		want bool
	}{
		{nil, false},
		{"", false},
		{"x", true},
		{false, false},
		{true, true},
		{[]any{}, false},
		{map[string]any{}, false},
		{map[string]any{"a": 1}, true},
	}
	for _, tt := range tests {
		if got := truthy(tt.v); got != tt.want {
			t.Errorf("truthy(%#v) = %v, want %v", tt.v, got, tt.want)
		}
	}
}
