package crypto

import (
	"encoding/json"
	"testing"
)

func TestCanonicalJSON(t *testing.T) {
	t.Run("sorts object keys at every depth", func(t *testing.T) {
		in := json.RawMessage(`{"b":1,"a":{"z":true,"m":[3,2,1]},"c":"x"}`)
		got, err := CanonicalJSON(in)
		if err != nil {
			t.Fatalf("CanonicalJSON: %v", err)
		}
		want := `{"a":{"m":[3,2,1],"z":true},"b":1,"c":"x"}`
		if string(got) != want {
			t.Errorf("got %s, want %s", got, want)
		}
	})

	t.Run("key order does not change output", func(t *testing.T) {
		a, err := CanonicalJSON(json.RawMessage(`{"x":1,"y":2}`))
		if err != nil {
			t.Fatal(err)
		}
		b, err := CanonicalJSON(json.RawMessage(`{"y":2,"x":1}`))
		if err != nil {
			t.Fatal(err)
		}
		if string(a) != string(b) {
			t.Errorf("expected identical canonical forms, got %s and %s", a, b)
		}
	})

	t.Run("preserves number literals", func(t *testing.T) {
		got, err := CanonicalJSON(json.RawMessage(`{"n":1.50,"big":9007199254740993}`))
		if err != nil {
			t.Fatal(err)
		}
		want := `{"big":9007199254740993,"n":1.50}`
		if string(got) != want {
			t.Errorf("got %s, want %s", got, want)
		}
	})

	t.Run("nil becomes null", func(t *testing.T) {
		got, err := CanonicalJSON(nil)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "null" {
			t.Errorf("got %s, want null", got)
		}
	})

	t.Run("does not escape HTML", func(t *testing.T) {
		got, err := CanonicalJSON(map[string]string{"s": "<a>&</a>"})
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != `{"s":"<a>&</a>"}` {
			t.Errorf("got %s", got)
		}
	})

	t.Run("structs are marshalled then canonicalised", func(t *testing.T) {
		v := struct {
			B int `json:"b"`
			A int `json:"a"`
		}{B: 2, A: 1}
		got, err := CanonicalJSON(v)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != `{"a":1,"b":2}` {
			t.Errorf("got %s", got)
		}
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		if _, err := CanonicalJSON(json.RawMessage(`{"a":`)); err == nil {
			t.Error("expected error for truncated JSON")
		}
	})

	t.Run("rejects trailing data", func(t *testing.T) {
		if _, err := CanonicalJSON(json.RawMessage(`{} {}`)); err == nil {
			t.Error("expected error for trailing JSON value")
		}
	})
}
