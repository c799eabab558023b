package extract

import (
	"strings"

	"github.com/autovoice/autovoice-core/internal/protocol"
)

// BestRule picks the rule whose website pattern matches the address most
// specifically. Longer patterns win; nil means no rule applies.
func BestRule(rules []protocol.Rule, website string) *protocol.Rule {
	var best *protocol.Rule
	for i := range rules {
		rule := &rules[i]
		if rule.Website == "" || !strings.Contains(website, rule.Website) {
			continue
		}
		if best == nil || len(rule.Website) > len(best.Website) {
			best = rule
		}
	}
	return best
}
