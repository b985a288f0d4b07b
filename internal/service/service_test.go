package service

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/garage-demos/flags-api/internal/store"
	"github.com/garage-demos/flags-api/internal/targeting"
)

// memStore keeps the document as serialised JSON so every View/Update decodes
// a fresh copy, matching the file store's load-fresh semantics.
type memStore struct {
	mu  sync.Mutex
	raw []byte
}

func newMemStore(t *testing.T, raw string) *memStore {
	t.Helper()
	var doc targeting.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("test document is invalid: %v", err)
	}
	return &memStore{raw: []byte(raw)}
}

func (m *memStore) decode() (*targeting.Document, error) {
	var doc targeting.Document
	if err := json.Unmarshal(m.raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (m *memStore) View(_ context.Context, fn func(*targeting.Document) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, err := m.decode()
	if err != nil {
		return err
	}
	return fn(doc)
}

func (m *memStore) Update(_ context.Context, fn func(*targeting.Document) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, err := m.decode()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.raw = raw
	return nil
}

type failingStore struct{ err error }

func (f *failingStore) View(context.Context, func(*targeting.Document) error) error   { return f.err }
func (f *failingStore) Update(context.Context, func(*targeting.Document) error) error { return f.err }

type staticPerms struct{ flags []string }

func (p *staticPerms) EditableFlags(context.Context) []string { return p.flags }

const demoDocument = `{
  "$schema": "https://flagd.dev/schema/v0/flags.json",
  "flags": {
    "enable-demo": {
      "state": "ENABLED",
      "variants": {"on": true, "off": false},
      "defaultVariant": "off",
      "targeting": {"if": [{"in": ["targetingKey", []]}, "on", "off"]}
    },
    "enable-chat": {
      "state": "ENABLED",
      "variants": {"on": true, "off": false},
      "defaultVariant": "off",
      "targeting": {"if": [{"in": ["targetingKey", ["7"]]}, "on", "off"]}
    },
    "enable-rollout": {
      "state": "ENABLED",
      "variants": {"on": true, "off": false},
      "defaultVariant": "off",
      "targeting": {"fractional": [["on", 25], ["off", 75]]}
    },
    "plain-flag": {
      "state": "ENABLED",
      "variants": {"on": true, "off": false},
      "defaultVariant": "on"
    }
  }
}`

func newTestService(t *testing.T, docs store.DocumentStore, editable ...string) *Service {
	t.Helper()
	svc, err := New(docs, &staticPerms{flags: editable})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc
}

func TestNewRejectsNilCollaborators(t *testing.T) {
	if _, err := New(nil, &staticPerms{}); err == nil {
		t.Fatal("New(nil store) should fail")
	}
	if _, err := New(newMemStore(t, demoDocument), nil); err == nil {
		t.Fatal("New(nil permission source) should fail")
	}
}

func TestGetTargetingStatesEmptyUserID(t *testing.T) {
	svc := newTestService(t, newMemStore(t, demoDocument), "enable-demo")

	if _, err := svc.GetTargetingStates(context.Background(), ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("GetTargetingStates(\"\") error = %v, want ErrValidation", err)
	}
}

func TestGetTargetingStatesNoEditableFlags(t *testing.T) {
	svc := newTestService(t, &failingStore{err: store.ErrStorage})

	states, err := svc.GetTargetingStates(context.Background(), "42")
	if err != nil {
		t.Fatalf("GetTargetingStates() error = %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("GetTargetingStates() = %v, want empty map", states)
	}
}

func TestGetTargetingStatesMembership(t *testing.T) {
	svc := newTestService(t, newMemStore(t, demoDocument), "enable-demo", "enable-chat")

	states, err := svc.GetTargetingStates(context.Background(), "7")
	if err != nil {
		t.Fatalf("GetTargetingStates() error = %v", err)
	}
	want := map[string]bool{"enable-demo": false, "enable-chat": true}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("GetTargetingStates() = %v, want %v", states, want)
	}
}

func TestGetTargetingStatesOmitsMalformedAndMissingFlags(t *testing.T) {
	svc := newTestService(t, newMemStore(t, demoDocument),
		"enable-demo", "enable-rollout", "plain-flag", "no-such-flag")

	states, err := svc.GetTargetingStates(context.Background(), "42")
	if err != nil {
		t.Fatalf("GetTargetingStates() error = %v", err)
	}
	want := map[string]bool{"enable-demo": false}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("GetTargetingStates() = %v, want %v (others silently omitted)", states, want)
	}
}

func TestGetTargetingStatesStorageFailure(t *testing.T) {
	svc := newTestService(t, &failingStore{err: store.ErrStorage}, "enable-demo")

	if _, err := svc.GetTargetingStates(context.Background(), "42"); !errors.Is(err, store.ErrStorage) {
		t.Fatalf("GetTargetingStates() error = %v, want ErrStorage", err)
	}
}

func TestSetTargetingValidation(t *testing.T) {
	svc := newTestService(t, newMemStore(t, demoDocument), "enable-demo")

	if _, err := svc.SetTargeting(context.Background(), "", "enable-demo", true); !errors.Is(err, ErrValidation) {
		t.Fatalf("SetTargeting empty userId error = %v, want ErrValidation", err)
	}
	if _, err := svc.SetTargeting(context.Background(), "42", "", true); !errors.Is(err, ErrValidation) {
		t.Fatalf("SetTargeting empty flagKey error = %v, want ErrValidation", err)
	}
}

func TestSetTargetingFailsClosedWithoutPermission(t *testing.T) {
	docs := newMemStore(t, demoDocument)
	svc := newTestService(t, docs)

	if _, err := svc.SetTargeting(context.Background(), "42", "enable-demo", true); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("SetTargeting() error = %v, want ErrPermissionDenied", err)
	}
}

func TestSetTargetingScopedPermission(t *testing.T) {
	// enable-chat exists and has a valid rule, but only enable-demo is editable.
	svc := newTestService(t, newMemStore(t, demoDocument), "enable-demo")

	if _, err := svc.SetTargeting(context.Background(), "42", "enable-chat", true); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("SetTargeting() error = %v, want ErrPermissionDenied", err)
	}
}

func TestSetTargetingUnknownFlag(t *testing.T) {
	svc := newTestService(t, newMemStore(t, demoDocument), "no-such-flag")

	if _, err := svc.SetTargeting(context.Background(), "42", "no-such-flag", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetTargeting() error = %v, want ErrNotFound", err)
	}
}

func TestSetTargetingMalformedRule(t *testing.T) {
	svc := newTestService(t, newMemStore(t, demoDocument), "enable-rollout", "plain-flag")

	if _, err := svc.SetTargeting(context.Background(), "42", "enable-rollout", true); !errors.Is(err, targeting.ErrMalformedRule) {
		t.Fatalf("SetTargeting(foreign rule) error = %v, want ErrMalformedRule", err)
	}
	if _, err := svc.SetTargeting(context.Background(), "42", "plain-flag", true); !errors.Is(err, targeting.ErrMalformedRule) {
		t.Fatalf("SetTargeting(no rule) error = %v, want ErrMalformedRule", err)
	}
}

func TestSetTargetingEnableDisableRoundTrip(t *testing.T) {
	docs := newMemStore(t, demoDocument)
	svc := newTestService(t, docs, "enable-demo")
	ctx := context.Background()

	result, err := svc.SetTargeting(ctx, "42", "enable-demo", true)
	if err != nil {
		t.Fatalf("SetTargeting(enable) error = %v", err)
	}
	want := UpdateResult{Success: true, UserID: "42", Enabled: true, UserIDs: []string{"42"}}
	if !reflect.DeepEqual(result, want) {
		t.Fatalf("SetTargeting(enable) = %+v, want %+v", result, want)
	}

	states, err := svc.GetTargetingStates(ctx, "42")
	if err != nil {
		t.Fatalf("GetTargetingStates() error = %v", err)
	}
	if !states["enable-demo"] {
		t.Fatal("user 42 not targeted after enable")
	}

	result, err = svc.SetTargeting(ctx, "42", "enable-demo", false)
	if err != nil {
		t.Fatalf("SetTargeting(disable) error = %v", err)
	}
	if result.Enabled || len(result.UserIDs) != 0 {
		t.Fatalf("SetTargeting(disable) = %+v, want enabled=false empty userIds", result)
	}
	if result.UserIDs == nil {
		t.Fatal("UserIDs must be non-nil so the response encodes as []")
	}
}

func TestSetTargetingEnableIsIdempotent(t *testing.T) {
	docs := newMemStore(t, demoDocument)
	svc := newTestService(t, docs, "enable-demo")
	ctx := context.Background()

	first, err := svc.SetTargeting(ctx, "42", "enable-demo", true)
	if err != nil {
		t.Fatalf("SetTargeting() error = %v", err)
	}
	second, err := svc.SetTargeting(ctx, "42", "enable-demo", true)
	if err != nil {
		t.Fatalf("SetTargeting() second call error = %v", err)
	}
	if !reflect.DeepEqual(first.UserIDs, second.UserIDs) {
		t.Fatalf("second enable changed the list: %v then %v", first.UserIDs, second.UserIDs)
	}
}

func TestSetTargetingIsolation(t *testing.T) {
	docs := newMemStore(t, demoDocument)
	svc := newTestService(t, docs, "enable-demo", "enable-chat")
	ctx := context.Background()

	if _, err := svc.SetTargeting(ctx, "42", "enable-demo", true); err != nil {
		t.Fatalf("SetTargeting() error = %v", err)
	}

	err := docs.View(ctx, func(doc *targeting.Document) error {
		chatIDs, err := doc.Flags["enable-chat"].Targeting.UserIDs()
		if err != nil {
			return err
		}
		if !reflect.DeepEqual(chatIDs, []string{"7"}) {
			t.Fatalf("enable-chat allow-list = %v, want [7] (untouched)", chatIDs)
		}
		demo := doc.Flags["enable-demo"]
		if demo.State != "ENABLED" || demo.DefaultVariant != "off" {
			t.Fatalf("enable-demo fields mutated: %+v", demo)
		}
		if _, ok := doc.Flags["enable-rollout"]; !ok {
			t.Fatal("enable-rollout dropped from document")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

func TestSetTargetingMetricsHooks(t *testing.T) {
	var updates []string
	var editableCounts []int
	docs := newMemStore(t, demoDocument)
	svc, err := New(docs, &staticPerms{flags: []string{"enable-demo"}},
		WithUpdateMetrics(
			func(result string) { updates = append(updates, result) },
			func(count int) { editableCounts = append(editableCounts, count) },
		),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	if _, err := svc.SetTargeting(ctx, "42", "enable-demo", true); err != nil {
		t.Fatalf("SetTargeting() error = %v", err)
	}
	if _, err := svc.SetTargeting(ctx, "42", "enable-demo", false); err != nil {
		t.Fatalf("SetTargeting() error = %v", err)
	}
	if _, err := svc.SetTargeting(ctx, "42", "enable-chat", true); err == nil {
		t.Fatal("SetTargeting(enable-chat) should be denied")
	}

	if !reflect.DeepEqual(updates, []string{"enabled", "disabled", "denied"}) {
		t.Fatalf("update outcomes = %v, want [enabled disabled denied]", updates)
	}
	if !reflect.DeepEqual(editableCounts, []int{1, 1, 1}) {
		t.Fatalf("editable counts = %v, want [1 1 1]", editableCounts)
	}
}
