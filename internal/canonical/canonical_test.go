package canonical

import (
	"bytes"
	"testing"
)

func TestMarshalSortsKeys(t *testing.T) {
	out, err := MarshalMap(map[string]interface{}{
		"zebra": 1,
		"alpha": 2,
		"mid":   3,
	})
	if err != nil {
		t.Fatalf("MarshalMap: %v", err)
	}
	want := `{"alpha":2,"mid":3,"zebra":1}`
	if string(out) != want {
		t.Fatalf("got %s, want %s", out, want)
	}
}

func TestMarshalNoWhitespace(t *testing.T) {
	out, err := MarshalMap(map[string]interface{}{
		"nested": map[string]interface{}{"b": []interface{}{1, 2}, "a": "x"},
	})
	if err != nil {
		t.Fatalf("MarshalMap: %v", err)
	}
	if bytes.ContainsAny(out, " \t\n") {
		t.Fatalf("canonical form contains whitespace: %q", out)
	}
	want := `{"nested":{"a":"x","b":[1,2]}}`
	if string(out) != want {
		t.Fatalf("got %s, want %s", out, want)
	}
}

func TestMarshalStruct(t *testing.T) {
	type inner struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	type outer struct {
		Z     int    `json:"z"`
		Inner inner  `json:"inner"`
		Skip  string `json:"skip,omitempty"`
	}

	out, err := Marshal(outer{Z: 7, Inner: inner{B: "bee", A: "ay"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"inner":{"a":"ay","b":"bee"},"z":7}`
	if string(out) != want {
		t.Fatalf("got %s, want %s", out, want)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	m := map[string]interface{}{
		"checks": []interface{}{
			map[string]interface{}{"name": "clock_skew", "drift": false},
		},
		"site_id": "site-001",
	}
	first, err := MarshalMap(m)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := MarshalMap(m)
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("non-deterministic output: %s vs %s", first, again)
		}
	}
}

func TestMarshalNull(t *testing.T) {
	out, err := MarshalMap(map[string]interface{}{"v": nil})
	if err != nil {
		t.Fatalf("MarshalMap: %v", err)
	}
	if string(out) != `{"v":null}` {
		t.Fatalf("got %s", out)
	}
}
