package license

import (
	"fmt"
	"sort"
	"strings"
)

// Tier is the ordered product tier: Basic < Pro < Enterprise < Admin.
type Tier int

const (
	TierBasic Tier = iota + 1
	TierPro
	TierEnterprise
	TierAdmin
)

var tierNames = map[Tier]string{
	TierBasic:      "basic",
	TierPro:        "pro",
	TierEnterprise: "enterprise",
	TierAdmin:      "admin",
}

// ParseTier parses a case-insensitive tier name.
func ParseTier(s string) (Tier, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for t, n := range tierNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// Valid reports whether t is one of the declared tiers.
func (t Tier) Valid() bool {
	_, ok := tierNames[t]
	return ok
}

// AtLeast reports whether t is ordered at or above other.
func (t Tier) AtLeast(other Tier) bool {
	return t >= other
}

func (t Tier) String() string {
	if n, ok := tierNames[t]; ok {
		return n
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Capability names a feature unlocked by a license.
type Capability string

const (
	CapabilityCore         Capability = "core"
	CapabilityReports      Capability = "reports"
	CapabilityExport       Capability = "export"
	CapabilityFleet        Capability = "fleet"
	CapabilityAudit        Capability = "audit"
	CapabilityAdmin        Capability = "admin"
	CapabilityIssue        Capability = "issue"
	CapabilityAdminConsole Capability = "admin-console"
)

// tierGrants lists what each tier adds on top of the tiers below it.
var tierGrants = []struct {
	tier Tier
	caps []Capability
}{
	{TierBasic, []Capability{CapabilityCore}},
	{TierPro, []Capability{CapabilityReports, CapabilityExport}},
	{TierEnterprise, []Capability{CapabilityFleet, CapabilityAudit}},
	{TierAdmin, []Capability{CapabilityAdmin}},
}

// adminKeyGrants are granted by IsAdminKey regardless of tier.
var adminKeyGrants = []Capability{CapabilityIssue, CapabilityAdminConsole}

// CapabilitiesFor returns the sorted capability set for a tier and admin-key flag.
// IsAdminKey adds capabilities; it never raises the tier.
func CapabilitiesFor(tier Tier, isAdminKey bool) []Capability {
	set := make(map[Capability]struct{})
	for _, g := range tierGrants {
		if tier.AtLeast(g.tier) {
			for _, c := range g.caps {
				set[c] = struct{}{}
			}
		}
	}
	if isAdminKey {
		for _, c := range adminKeyGrants {
			set[c] = struct{}{}
		}
	}

	caps := make([]Capability, 0, len(set))
	for c := range set {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}
