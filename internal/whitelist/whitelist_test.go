package whitelist

import "testing"

func TestContains(t *testing.T) {
	s, err := New([]string{"10.0.0.0/8", "192.168.1.50", "2001:db8::/32"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.12.0.1", true},
		{"192.168.1.50", true},
		{"192.168.1.51", false},
		{"2001:db8::beef", true},
		{"2001:db9::1", false},
		{"11.0.0.1", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		if got := s.Contains(tt.ip); got != tt.want {
			t.Errorf("Contains(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestAdd(t *testing.T) {
	s, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Contains("172.16.0.1") {
		t.Error("empty set should contain nothing")
	}
	if err := s.Add("172.16.0.0/12"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !s.Contains("172.16.0.1") {
		t.Error("added network not matched")
	}
	if err := s.Add("bogus"); err == nil {
		t.Error("Add(bogus) should fail")
	}
}
