package authz

import "testing"

func TestDefaultCatalogShape(t *testing.T) {
	catalog := NewCatalog()
	// Seven domain resources with four actions each, plus system:admin.
	if got := catalog.Len(); got != 29 {
		t.Fatalf("expected 29 catalog entries, got %d", got)
	}
	if !catalog.Exists(PermSystemAdmin) {
		t.Fatalf("system:admin missing from catalog")
	}
	if catalog.Exists("system:read") {
		t.Fatalf("system resource must only carry the admin action")
	}
	for _, p := range catalog.All() {
		if p.Resource() == "" || p.Action() == "" {
			t.Fatalf("malformed catalog permission %q", p)
		}
	}
}

func TestCatalogLookupNormalizes(t *testing.T) {
	catalog := NewCatalog()
	if !catalog.Exists("  Assets:Write ") {
		t.Fatalf("lookup should normalize case and whitespace")
	}
	if catalog.Exists("assets:fly") {
		t.Fatalf("unknown action must not resolve")
	}
}

func TestFixtureCatalog(t *testing.T) {
	catalog := NewCatalogFrom("widgets:read", "widgets:write", "widgets:read")
	if catalog.Len() != 2 {
		t.Fatalf("duplicates should collapse, got %d entries", catalog.Len())
	}
	if !catalog.Exists("widgets:read") {
		t.Fatalf("fixture permission missing")
	}
}

func TestMustHavePanicsOnUnknownPermission(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for unknown permission")
		}
	}()
	NewCatalog().MustHave(PermAssetsRead, "assets:fly")
}

func TestPermissionSetOperations(t *testing.T) {
	set := NewPermissionSet(PermAssetsRead)
	set.Add(PermAssetsWrite)
	other := NewPermissionSet(PermSitesRead, PermAssetsRead)
	set.Union(other)

	if len(set) != 3 {
		t.Fatalf("expected 3 members, got %d", len(set))
	}
	slice := set.Slice()
	for i := 1; i < len(slice); i++ {
		if slice[i-1] >= slice[i] {
			t.Fatalf("slice not sorted: %v", slice)
		}
	}
}
