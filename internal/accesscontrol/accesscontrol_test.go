package accesscontrol

import (
	"errors"
	"testing"
)

func TestRegistryBindRequiresOwner(t *testing.T) {
	reg := NewRegistry("0xOwner")

	if err := reg.Bind("0xMallory", RoleRouter, "0xRouter"); !errors.Is(err, ErrOnlyOwner) {
		t.Fatalf("expected ErrOnlyOwner, got %v", err)
	}
	if err := reg.Bind("0xOwner", RoleRouter, "0xRouter"); err != nil {
		t.Fatalf("owner bind: %v", err)
	}
	if got := reg.IdentityOf(RoleRouter); got != "0xrouter" {
		t.Fatalf("unexpected router identity: %q", got)
	}
}

func TestRequireRoleOrOwner(t *testing.T) {
	reg := NewRegistry("0xOwner")
	if err := reg.Bind("0xOwner", RoleRouter, "0xRouter"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := reg.RequireRoleOrOwner("0xRouter", RoleRouter); err != nil {
		t.Fatalf("router should pass: %v", err)
	}
	if err := reg.RequireRoleOrOwner("0xOWNER", RoleRouter); err != nil {
		t.Fatalf("owner should pass regardless of case: %v", err)
	}
	if err := reg.RequireRoleOrOwner("0xStranger", RoleRouter); !errors.Is(err, ErrOnlyRouter) {
		t.Fatalf("expected ErrOnlyRouter, got %v", err)
	}
}

func TestRequireRoleUnboundRole(t *testing.T) {
	reg := NewRegistry("0xOwner")
	if err := reg.RequireRole("0xAnyone", RoleTransport); !errors.Is(err, ErrOnlyRouter) {
		t.Fatalf("unbound role must reject everyone, got %v", err)
	}
}
