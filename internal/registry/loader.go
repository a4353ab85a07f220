package registry

import (
	"fmt"
	"sort"

	"relayd/internal/common/fsutil"
	"relayd/internal/config"
	"relayd/internal/provider"
)

// Build turns provider config entries into routing specs, resolving
// credential files along the way. Entries come back sorted by priority
// with duplicate IDs rejected.
func Build(entries []config.ProviderEntry) ([]provider.Spec, error) {
	seen := make(map[string]struct{}, len(entries))
	specs := make([]provider.Spec, 0, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", e.ID)
		}
		seen[e.ID] = struct{}{}

		var key string
		if e.APIKeyFile != "" {
			k, err := fsutil.ReadSecret(e.APIKeyFile)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", e.ID, err)
			}
			key = k
		}
		specs = append(specs, provider.Spec{
			ID:       e.ID,
			Priority: e.Priority,
			Endpoint: provider.Endpoint{
				URL:    e.URL,
				APIKey: key,
				Model:  e.Model,
			},
			RatePerSecond: e.RatePerSecond,
			RateBurst:     e.RateBurst,
		})
	}
	sort.SliceStable(specs, func(i, j int) bool { return specs[i].Priority < specs[j].Priority })
	return specs, nil
}
