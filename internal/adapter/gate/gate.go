// Package gate provides local implementations of the external admission
// collaborators: the source-IP allowlist, the account-liveness check and
// the version ring. Deployments fronted by the platform's policy services
// swap these for remote implementations of the same ports.
package gate

import (
	"context"
	"fmt"
	"net"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
)

type cidrAllowlist struct {
	nets []*net.IPNet
}

// NewCIDRAllowlist builds an allowlist gate from CIDR blocks. An empty list
// allows everything.
func NewCIDRAllowlist(cidrs []string) (port.AllowlistGate, error) {
	g := &cidrAllowlist{}
	for _, raw := range cidrs {
		_, block, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("parse allowlist cidr %q: %w", raw, err)
		}
		g.nets = append(g.nets, block)
	}
	return g, nil
}

func (g *cidrAllowlist) Allowed(ctx context.Context, accountID, sourceIP string) (bool, error) {
	if len(g.nets) == 0 {
		return true, nil
	}
	ip := net.ParseIP(sourceIP)
	if ip == nil {
		return false, fmt.Errorf("unparseable source ip %q", sourceIP)
	}
	for _, block := range g.nets {
		if block.Contains(ip) {
			return true, nil
		}
	}
	return false, nil
}

type staticAccounts struct {
	terminated map[string]struct{}
}

// NewStaticAccounts builds an account gate that treats the given accounts
// as terminated and everything else as active
func NewStaticAccounts(terminated []string) port.AccountGate {
	g := &staticAccounts{terminated: make(map[string]struct{}, len(terminated))}
	for _, id := range terminated {
		g.terminated[id] = struct{}{}
	}
	return g
}

func (g *staticAccounts) Active(ctx context.Context, accountID string) (bool, error) {
	_, gone := g.terminated[accountID]
	return !gone, nil
}

type configVersions struct {
	versions []string
}

// NewConfigVersions resolves every account to the configured version ring,
// primary version last
func NewConfigVersions(versions []string) port.VersionResolver {
	return &configVersions{versions: versions}
}

func (g *configVersions) AcceptableVersions(ctx context.Context, accountID string) ([]string, error) {
	return g.versions, nil
}
