// ABOUTME: Unit tests for principal context propagation
// ABOUTME: Covers round trips, missing values and the nil-safe Principal helpers

package auth

import (
	"context"
	"testing"
)

func TestFromContext_Present(t *testing.T) {
	expected := &Principal{Subject: "sub-1", Name: "Night Desk", Roles: []string{"observer"}}

	ctx := WithPrincipal(context.Background(), expected)
	got := FromContext(ctx)

	if got != expected {
		t.Fatalf("FromContext() = %v, want %v", got, expected)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Fatalf("FromContext() = %v, want nil", got)
	}
}

func TestPrincipal_DisplayName(t *testing.T) {
	tests := []struct {
		name string
		p    *Principal
		want string
	}{
		{name: "nil", p: nil, want: ""},
		{name: "name claim", p: &Principal{Subject: "sub-1", Name: "Night Desk"}, want: "Night Desk"},
		{name: "subject fallback", p: &Principal{Subject: "sub-1"}, want: "sub-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.DisplayName(); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrincipal_HasRole(t *testing.T) {
	p := &Principal{Subject: "sub-1", Roles: []string{"member", "observer"}}

	if !p.HasRole("observer") {
		t.Error("HasRole(observer) = false, want true")
	}
	if p.HasRole("admin") {
		t.Error("HasRole(admin) = true, want false")
	}

	var nilPrincipal *Principal
	if nilPrincipal.HasRole("observer") {
		t.Error("nil principal should have no roles")
	}
}
