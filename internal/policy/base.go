package policy

import (
	"github.com/opencontrolgate/opencontrolgate/internal/config"
	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

// FromConfigs converts declarative base policies from the config file into
// runtime policies. Validation happens in Registry.SetBasePolicies, not
// here.
func FromConfigs(configs []config.PolicyConfig) []*Policy {
	out := make([]*Policy, 0, len(configs))
	for _, c := range configs {
		out = append(out, &Policy{
			ID:          c.ID,
			Description: c.Description,
			Severity:    c.Severity,
			Tool:        c.Tool,
			URLRegex:    c.URLRegex,
			ArgsRegex:   c.ArgsRegex,
			Condition:   c.Condition,
			Action:      store.Decision(c.Action),
			IsActive:    true,
			Version:     1,
		})
	}
	return out
}
