package backend

import "testing"

func TestCredentialManaged(t *testing.T) {
	tests := []struct {
		email   string
		managed bool
		owner   string
	}{
		{"123456_vless", true, "123456"},
		{"123456_ss", true, "123456"},
		{"123456", false, "123456"},
		{"olduser@mail", false, "olduser@mail"},
		{"_vless", true, ""},
		{"123456_vle", false, "123456_vle"},
	}

	for _, tt := range tests {
		c := Credential{Email: tt.email}
		if got := c.Managed(); got != tt.managed {
			t.Errorf("Managed(%q) = %v, want %v", tt.email, got, tt.managed)
		}
		if got := c.OwnerID(); got != tt.owner {
			t.Errorf("OwnerID(%q) = %q, want %q", tt.email, got, tt.owner)
		}
	}
}
