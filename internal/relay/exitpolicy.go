package relay

import (
	"fmt"
	"strconv"
	"strings"
)

// ExitPolicy is a condensed, port-only exit policy: an ordered list of
// accept/reject rules over port ranges, first match wins. This mirrors the
// "p accept ..."/"p reject ..." summary line of a consensus entry; full
// per-address policies are out of scope for the simulation.
type ExitPolicy struct {
	rules []policyRule
	// defaultAccept is the verdict when no rule matches. A consensus port
	// summary implies reject-by-default for "accept" summaries and
	// accept-by-default for "reject" summaries.
	defaultAccept bool
}

type policyRule struct {
	lo, hi uint16
	accept bool
}

// RejectAll is the policy of a non-exit relay.
var RejectAll = ExitPolicy{defaultAccept: false}

// AcceptAll accepts every port.
var AcceptAll = ExitPolicy{defaultAccept: true}

// AllowsPort reports whether the policy permits exiting to port.
func (p ExitPolicy) AllowsPort(port uint16) bool {
	for _, r := range p.rules {
		if port >= r.lo && port <= r.hi {
			return r.accept
		}
	}
	return p.defaultAccept
}

// IsRejectAll reports whether the policy can never accept any port. The
// verdict is constant between rule boundaries, so probing each boundary
// port is exhaustive.
func (p ExitPolicy) IsRejectAll() bool {
	if p.AllowsPort(1) || p.AllowsPort(65535) {
		return false
	}
	for _, r := range p.rules {
		if p.AllowsPort(r.lo) || p.AllowsPort(r.hi) {
			return false
		}
		if r.hi < 65535 && p.AllowsPort(r.hi+1) {
			return false
		}
	}
	return true
}

// String renders the policy in consensus port-summary form.
func (p ExitPolicy) String() string {
	if len(p.rules) == 0 {
		if p.defaultAccept {
			return "accept 1-65535"
		}
		return "reject 1-65535"
	}
	verb := "accept"
	if !p.rules[0].accept {
		verb = "reject"
	}
	var parts []string
	for _, r := range p.rules {
		if r.lo == r.hi {
			parts = append(parts, strconv.Itoa(int(r.lo)))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.lo, r.hi))
		}
	}
	return verb + " " + strings.Join(parts, ",")
}

// ParseExitPolicy parses a consensus-style port summary such as
// "accept 80,443,8000-8100" or "reject 25,119". An "accept" summary rejects
// every unlisted port and vice versa.
func ParseExitPolicy(s string) (ExitPolicy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RejectAll, nil
	}

	verb, list, found := strings.Cut(s, " ")
	if !found {
		return ExitPolicy{}, fmt.Errorf("malformed exit policy %q: missing port list", s)
	}

	var accept bool
	switch verb {
	case "accept":
		accept = true
	case "reject":
		accept = false
	default:
		return ExitPolicy{}, fmt.Errorf("malformed exit policy %q: verb must be accept or reject", s)
	}

	var rules []policyRule
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		lo, hi, err := parsePortRange(item)
		if err != nil {
			return ExitPolicy{}, fmt.Errorf("malformed exit policy %q: %w", s, err)
		}
		rules = append(rules, policyRule{lo: lo, hi: hi, accept: accept})
	}
	if len(rules) == 0 {
		return ExitPolicy{}, fmt.Errorf("malformed exit policy %q: empty port list", s)
	}

	return ExitPolicy{rules: rules, defaultAccept: !accept}, nil
}

func parsePortRange(s string) (lo, hi uint16, err error) {
	loStr, hiStr, isRange := strings.Cut(s, "-")
	l, err := parsePort(loStr)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return l, l, nil
	}
	h, err := parsePort(hiStr)
	if err != nil {
		return 0, 0, err
	}
	if h < l {
		return 0, 0, fmt.Errorf("inverted port range %q", s)
	}
	return l, h, nil
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(v), nil
}
