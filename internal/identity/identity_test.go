package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/teenhut/hutchat/internal/domain"
)

type fakeUsers struct {
	users map[string]*domain.User
}

func (f *fakeUsers) GetUser(_ context.Context, userID string) (*domain.User, error) {
	return f.users[userID], nil
}

func (f *fakeUsers) UpsertUser(_ context.Context, user *domain.User) error {
	f.users[user.UserID] = user
	return nil
}

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("s3cret")
	token, err := v.Issue("u1", "ana", time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "u1" || claims.Name != "ana" {
		t.Errorf("Unexpected claims %+v", claims)
	}
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("s3cret")
	other := NewVerifier("other")

	foreign, _ := other.Issue("u1", "", time.Minute)
	if _, err := v.Verify(foreign); err == nil {
		t.Error("Expected token signed with another secret to fail")
	}

	expired, _ := v.Issue("u1", "", -time.Minute)
	if _, err := v.Verify(expired); err == nil {
		t.Error("Expected expired token to fail")
	}

	noSubject, _ := v.Issue("", "", time.Minute)
	if _, err := v.Verify(noSubject); err == nil {
		t.Error("Expected token without subject to fail")
	}
}

func TestNewVerifier_EmptySecret(t *testing.T) {
	if NewVerifier("") != nil {
		t.Error("Expected nil verifier without a secret")
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	if tok, err := TokenFromRequest(r); err != nil || tok != "q" {
		t.Errorf("Expected query token, got %q %v", tok, err)
	}

	r.Header.Set("Authorization", "Bearer h")
	if tok, err := TokenFromRequest(r); err != nil || tok != "h" {
		t.Errorf("Expected header token to win, got %q %v", tok, err)
	}

	r.Header.Set("Authorization", "Basic abc")
	if _, err := TokenFromRequest(r); err == nil {
		t.Error("Expected error for non-bearer scheme")
	}

	empty := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if _, err := TokenFromRequest(empty); err != ErrNoToken {
		t.Errorf("Expected ErrNoToken, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("s3cret")
	users := &fakeUsers{users: map[string]*domain.User{}}

	var gotID, gotName string
	h := Middleware(v, users)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = UserIDFromContext(r.Context())
		gotName = UsernameFromContext(r.Context())
	}))

	token, _ := v.Issue("u1", "ana", time.Minute)
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if gotID != "u1" || gotName != "ana" {
		t.Errorf("Expected identity u1/ana, got %q/%q", gotID, gotName)
	}
	if users.users["u1"] == nil || users.users["u1"].Username != "ana" {
		t.Error("Expected verified user to be upserted")
	}

	gotID = "unset"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if w.Code != http.StatusOK || gotID != "" {
		t.Errorf("Expected anonymous pass-through, got %d %q", w.Code, gotID)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws?token=garbage", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for invalid token, got %d", w.Code)
	}
}

func TestMiddleware_NilVerifier(t *testing.T) {
	called := false
	h := Middleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	r := httptest.NewRequest(http.MethodGet, "/ws?token=anything", nil)
	h.ServeHTTP(httptest.NewRecorder(), r)
	if !called {
		t.Error("Expected pass-through without a verifier")
	}
}

func TestResolveUserID(t *testing.T) {
	cases := []struct {
		name        string
		authEnabled bool
		authID      string
		claimed     string
		wantID      string
		wantOK      bool
	}{
		{"auth off trusts payload", false, "", "u1", "u1", true},
		{"auth off empty payload", false, "", "", "", true},
		{"verified fills empty payload", true, "u1", "", "u1", true},
		{"verified matching payload", true, "u1", "u1", "u1", true},
		{"verified mismatched payload", true, "u1", "u2", "", false},
		{"anonymous payload ignored", true, "", "u2", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := ResolveUserID(tc.authEnabled, tc.authID, tc.claimed)
			if id != tc.wantID || ok != tc.wantOK {
				t.Errorf("ResolveUserID = (%q, %v), want (%q, %v)", id, ok, tc.wantID, tc.wantOK)
			}
		})
	}
}
