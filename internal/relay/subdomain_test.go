package relay

import "testing"

func Test_valid_subdomain_boundary_lengths(t *testing.T) {
	three := "abc"
	sixtyThree := ""
	for len(sixtyThree) < 63 {
		sixtyThree += "a"
	}
	if !ValidSubdomain(three) {
		t.Errorf("length 3 should be accepted")
	}
	if !ValidSubdomain(sixtyThree) {
		t.Errorf("length 63 should be accepted")
	}
	if ValidSubdomain("ab") {
		t.Errorf("length 2 should be rejected")
	}
	if ValidSubdomain(sixtyThree + "a") {
		t.Errorf("length 64 should be rejected")
	}
}

func Test_valid_subdomain_hyphen_rules(t *testing.T) {
	if ValidSubdomain("-abc") {
		t.Error("leading hyphen should be rejected")
	}
	if ValidSubdomain("abc-") {
		t.Error("trailing hyphen should be rejected")
	}
	if !ValidSubdomain("ab-c") {
		t.Error("interior hyphen should be accepted")
	}
}

func Test_valid_subdomain_rejects_uppercase(t *testing.T) {
	if ValidSubdomain("MyApp") {
		t.Error("uppercase should be rejected")
	}
}

func Test_mint_label_is_eight_lowercase_alnum_chars(t *testing.T) {
	label, err := mintLabel()
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	if len(label) != mintedLabelLen {
		t.Fatalf("expected length %d, got %d (%q)", mintedLabelLen, len(label), label)
	}
	for i := 0; i < len(label); i++ {
		if !isAlnum(label[i]) {
			t.Fatalf("non alnum character in minted label: %q", label)
		}
	}
	if !ValidSubdomain(label) {
		t.Fatalf("minted label does not satisfy subdomain syntax: %q", label)
	}
}

func Test_resolve_tunnel_id_uses_valid_unused_preferred_label(t *testing.T) {
	id, err := resolveTunnelID("myapp", func(string) bool { return false })
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if id != "myapp" {
		t.Fatalf("expected preferred label to be used, got %q", id)
	}
}

func Test_resolve_tunnel_id_falls_back_when_preferred_taken(t *testing.T) {
	id, err := resolveTunnelID("myapp", func(label string) bool { return label == "myapp" })
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if id == "myapp" {
		t.Fatal("expected a fresh label when preferred is taken")
	}
	if len(id) != mintedLabelLen {
		t.Fatalf("expected minted label of length %d, got %q", mintedLabelLen, id)
	}
}

func Test_resolve_tunnel_id_falls_back_when_preferred_invalid(t *testing.T) {
	id, err := resolveTunnelID("AB", func(string) bool { return false })
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if id == "AB" {
		t.Fatal("invalid preferred label must not be honored")
	}
}

func Test_resolve_tunnel_id_with_no_preferred_mints(t *testing.T) {
	id, err := resolveTunnelID("", func(string) bool { return false })
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(id) != mintedLabelLen {
		t.Fatalf("expected minted label, got %q", id)
	}
}
