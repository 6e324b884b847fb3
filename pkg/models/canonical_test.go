package models

import "testing"

func TestCanonicalArgumentsSortsKeys(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1, "nested": map[string]interface{}{"z": true, "y": "v"}}
	b := map[string]interface{}{"nested": map[string]interface{}{"y": "v", "z": true}, "a": 1, "b": 2}

	ca, err := CanonicalArguments(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := CanonicalArguments(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("expected identical canonical forms, got %s vs %s", ca, cb)
	}
	want := `{"a":1,"b":2,"nested":{"y":"v","z":true}}`
	if string(ca) != want {
		t.Fatalf("expected %s got %s", want, ca)
	}
}

func TestDecisionCacheKeyStableAcrossOrdering(t *testing.T) {
	k1, err := DecisionCacheKey("u1", "tenant", "query_sales", map[string]interface{}{"limit": 5, "filter": "us"})
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	k2, err := DecisionCacheKey("u1", "tenant", "query_sales", map[string]interface{}{"filter": "us", "limit": 5})
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected stable cache key, got %s vs %s", k1, k2)
	}
	k3, _ := DecisionCacheKey("u2", "tenant", "query_sales", map[string]interface{}{"filter": "us", "limit": 5})
	if k1 == k3 {
		t.Fatal("expected user to contribute to cache key")
	}
}

func TestDecisionCacheKeyNilArgs(t *testing.T) {
	k, err := DecisionCacheKey("u", "t", "tool", nil)
	if err != nil {
		t.Fatalf("key with nil args: %v", err)
	}
	if k == "" {
		t.Fatal("expected non-empty key")
	}
}
