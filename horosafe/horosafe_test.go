package horosafe

import (
	"net"
	"strings"
	"testing"
)

func TestSafePath(t *testing.T) {
	tests := []struct {
		base, input string
		wantErr     bool
	}{
		{"/opt/selfheal/ext", "companion.xpi", false},
		{"/opt/selfheal/ext", "firefox/companion.xpi", false},
		{"/opt/selfheal/ext", "../etc/passwd", true},
		{"/opt/selfheal/ext", "abc/../../outside", true},
	}
	for _, tt := range tests {
		_, err := SafePath(tt.base, tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("SafePath(%q, %q) error=%v, wantErr=%v", tt.base, tt.input, err, tt.wantErr)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://heal.example.com/v1", false},
		{"ftp://evil.com/data", true},
		{"javascript:alert(1)", true},
		{"http://127.0.0.1/admin", true},
		{"http://10.0.0.1/internal", true},
		{"http://[::1]/api", true},
		{"https:///nohost", true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestValidateURL_AllowPrivate(t *testing.T) {
	if err := ValidateURL("http://127.0.0.1:8080/v1", AllowPrivate()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateURL("file:///etc/passwd", AllowPrivate()); err != ErrUnsafeScheme {
		t.Fatalf("scheme check must still apply, got %v", err)
	}
}

func TestValidateIdentifier(t *testing.T) {
	if err := ValidateIdentifier("companion-1.2.xpi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "../x", "has spaces", strings.Repeat("a", 257)} {
		if err := ValidateIdentifier(bad); err == nil {
			t.Errorf("ValidateIdentifier(%q): expected error", bad)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data := strings.Repeat("x", 100)
	got, err := LimitedReadAll(strings.NewReader(data), 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(got))
	}
	if _, err := LimitedReadAll(strings.NewReader(data), 50); err == nil {
		t.Fatal("expected error for oversized read")
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"172.16.0.1", true},
		{"192.168.0.1", true},
		{"8.8.8.8", false},
		{"::1", true},
	}
	for _, tt := range tests {
		if got := isPrivateIP(net.ParseIP(tt.ip)); got != tt.private {
			t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.private)
		}
	}
}
