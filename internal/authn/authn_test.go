package authn

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

func TestExtractBearer(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer sk-abc123", "sk-abc123", true},
		{"bearer sk-abc123", "", false}, // exact case required
		{"Bearer ", "", false},
		{"", "", false},
		{"Basic sk-abc123", "", false},
	}
	for _, c := range cases {
		got, ok := ExtractBearer(c.header)
		if ok != c.ok || got != c.want {
			t.Errorf("ExtractBearer(%q) = (%q, %v), want (%q, %v)", c.header, got, ok, c.want, c.ok)
		}
	}
}

func TestAuthenticator_ValidateActiveKey(t *testing.T) {
	s := store.NewMemoryStore()
	id := uuid.New()
	raw := "sk-test-raw-key-value"
	s.APIKeys[id] = store.APIKey{ID: id, KeyHash: HashKey(raw), KeyPrefix: Prefix(raw), IsActive: true}

	auth := New(s)
	got, err := auth.Validate(context.Background(), raw)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got == nil || got.ID != id {
		t.Fatalf("expected to validate key %v, got %+v", id, got)
	}
}

func TestAuthenticator_RejectsInactiveKey(t *testing.T) {
	s := store.NewMemoryStore()
	id := uuid.New()
	raw := "sk-test-raw-key-value"
	s.APIKeys[id] = store.APIKey{ID: id, KeyHash: HashKey(raw), IsActive: false}

	auth := New(s)
	got, err := auth.Validate(context.Background(), raw)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for inactive key, got %+v", got)
	}
}

func TestAuthenticator_RejectsUnknownKey(t *testing.T) {
	s := store.NewMemoryStore()
	auth := New(s)
	got, err := auth.Validate(context.Background(), "sk-never-registered")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown key, got %+v", got)
	}
}

func TestAuthenticator_ValidateOnlyOnce(t *testing.T) {
	s := store.NewMemoryStore()
	id := uuid.New()
	raw := "sk-generated-raw-key"
	s.APIKeys[id] = store.APIKey{ID: id, KeyHash: HashKey(raw), IsActive: true}

	auth := New(s)
	if got, _ := auth.Validate(context.Background(), raw); got == nil {
		t.Fatal("expected raw key to validate")
	}
	if got, _ := auth.Validate(context.Background(), raw+"x"); got != nil {
		t.Fatal("expected tampered key to fail validation")
	}
}

func TestHashKey_Deterministic(t *testing.T) {
	a := HashKey("sk-same")
	b := HashKey("sk-same")
	if a != b {
		t.Fatal("HashKey not deterministic")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestPrefix(t *testing.T) {
	if got := Prefix("sk-abcdefghijklmno"); got != "sk-abcdefghi..." {
		t.Errorf("Prefix long key = %q", got)
	}
	if got := Prefix("short"); got != "short..." {
		t.Errorf("Prefix short key = %q", got)
	}
}
