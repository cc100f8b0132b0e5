// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"
)

var (
	ErrDeniedAddress = fmt.Errorf("address is denied")
)

// NetworkPolicy decides which remote addresses outbound federation
// connections may reach. Denied networks take precedence over allowed ones.
type NetworkPolicy struct {
	allow []*net.IPNet
	deny  []*net.IPNet
}

// NewNetworkPolicy parses the allow and deny CIDR lists.
func NewNetworkPolicy(allowCIDRs, denyCIDRs []string) (*NetworkPolicy, error) {
	allow, err := parseCIDRs(allowCIDRs)
	if err != nil {
		return nil, err
	}
	deny, err := parseCIDRs(denyCIDRs)
	if err != nil {
		return nil, err
	}
	return &NetworkPolicy{allow: allow, deny: deny}, nil
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
		}
		networks = append(networks, network)
	}
	return networks, nil
}

// Unrestricted reports whether the policy lets every address through.
func (p *NetworkPolicy) Unrestricted() bool {
	return p == nil || (len(p.allow) == 0 && len(p.deny) == 0)
}

// Allowed reports whether ip may be dialled.
func (p *NetworkPolicy) Allowed(ip net.IP) bool {
	if p.Unrestricted() {
		return true
	}
	if inRange(ip, p.deny) {
		return false
	}
	return inRange(ip, p.allow)
}

// Dialer returns a dialer enforcing the policy on every resolved address.
func (p *NetworkPolicy) Dialer(dialTimeout time.Duration) *net.Dialer {
	if p.Unrestricted() {
		return &net.Dialer{
			Timeout: dialTimeout,
		}
	}
	return &net.Dialer{
		Timeout:        dialTimeout,
		ControlContext: p.control,
	}
}

func (p *NetworkPolicy) control(_ context.Context, network string, address string, _ syscall.RawConn) error {
	if network != "tcp4" && network != "tcp6" {
		return fmt.Errorf("%s is not a safe network type", network)
	}

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%s is not a valid host/port pair: %s", address, err)
	}

	ipaddress := net.ParseIP(host)
	if ipaddress == nil {
		return fmt.Errorf("%s is not a valid IP address", host)
	}

	if !p.Allowed(ipaddress) {
		return ErrDeniedAddress
	}

	return nil // allow connection
}

func inRange(ip net.IP, networks []*net.IPNet) bool {
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
