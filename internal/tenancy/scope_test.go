package tenancy

import (
	"context"
	"strings"
	"testing"

	"parkgrid-cloud/internal/auth"
)

func TestScope_CanAccess(t *testing.T) {
	scope := Scope{TenantID: "tenant-a"}
	if !scope.CanAccess("tenant-a") {
		t.Fatal("expected access to own tenant")
	}
	if scope.CanAccess("tenant-b") {
		t.Fatal("expected cross-tenant access denied")
	}
	if (Scope{}).CanAccess("") {
		t.Fatal("empty scope must not access anything")
	}

	platform := Platform()
	if !platform.CanAccess("tenant-a") || !platform.CanAccess("tenant-b") {
		t.Fatal("platform scope must access all tenants")
	}
}

func TestScope_Validate(t *testing.T) {
	if err := (Scope{}).Validate(); err == nil {
		t.Fatal("expected empty scope rejected")
	}
	if err := (Scope{TenantID: "tenant-a"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Platform().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestScope_Predicate(t *testing.T) {
	scope := Scope{TenantID: "11111111-1111-1111-1111-111111111111"}
	fragment, args := scope.Predicate("s.tenant_id", 3)
	if !strings.Contains(fragment, "$3") || !strings.Contains(fragment, "$4") {
		t.Fatalf("unexpected fragment: %s", fragment)
	}
	if !strings.Contains(fragment, "s.tenant_id") {
		t.Fatalf("fragment must reference the column: %s", fragment)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(args))
	}
	if args[0] != false || args[1] != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("unexpected args: %v", args)
	}

	_, platformArgs := Platform().Predicate("tenant_id", 1)
	if platformArgs[0] != true {
		t.Fatalf("platform scope must set bypass arg: %v", platformArgs)
	}
}

func TestFromContext(t *testing.T) {
	ctx := auth.WithIdentity(context.Background(), "tenant-a", auth.RoleOperator, "user-1")
	scope := FromContext(ctx)
	if scope.TenantID != "tenant-a" || scope.PlatformAdmin {
		t.Fatalf("unexpected scope: %+v", scope)
	}

	adminCtx := auth.WithIdentity(context.Background(), "tenant-platform", auth.RolePlatformAdmin, "ops")
	if !FromContext(adminCtx).PlatformAdmin {
		t.Fatal("expected platform admin scope")
	}
}
