package gate

import (
	"context"
	"testing"
)

func TestCIDRAllowlist(t *testing.T) {
	g, err := NewCIDRAllowlist([]string{"10.0.0.0/8", "192.168.1.0/24"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx := context.Background()

	cases := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.40", true},
		{"192.168.2.40", false},
		{"203.0.113.9", false},
	}
	for _, tc := range cases {
		got, err := g.Allowed(ctx, "acct-1", tc.ip)
		if err != nil {
			t.Fatalf("allowed(%s): %v", tc.ip, err)
		}
		if got != tc.want {
			t.Errorf("allowed(%s) = %v, want %v", tc.ip, got, tc.want)
		}
	}

	if _, err := g.Allowed(ctx, "acct-1", "not-an-ip"); err == nil {
		t.Error("unparseable source ip must error so callers fail closed")
	}
}

func TestCIDRAllowlistEmptyAllowsAll(t *testing.T) {
	g, err := NewCIDRAllowlist(nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ok, err := g.Allowed(context.Background(), "acct-1", "203.0.113.9")
	if err != nil || !ok {
		t.Fatalf("empty allowlist: ok=%v err=%v, want open", ok, err)
	}
}

func TestCIDRAllowlistRejectsBadBlock(t *testing.T) {
	if _, err := NewCIDRAllowlist([]string{"10.0.0.0/99"}); err == nil {
		t.Fatal("invalid cidr must fail construction")
	}
}

func TestStaticAccounts(t *testing.T) {
	g := NewStaticAccounts([]string{"acct-gone"})
	ctx := context.Background()

	active, err := g.Active(ctx, "acct-live")
	if err != nil || !active {
		t.Fatalf("live account: active=%v err=%v", active, err)
	}
	active, err = g.Active(ctx, "acct-gone")
	if err != nil || active {
		t.Fatalf("terminated account: active=%v err=%v", active, err)
	}
}

func TestConfigVersions(t *testing.T) {
	g := NewConfigVersions([]string{"1.8.0", "1.9.0"})
	versions, err := g.AcceptableVersions(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 2 || versions[1] != "1.9.0" {
		t.Errorf("versions = %v, want primary last", versions)
	}
}
