package backend

import (
	"fmt"

	"tunnbox/internal/script"
)

type chainChecker interface {
	ChainExists(table, chain string) (bool, error)
}

// checkChains fails when a rule appends to or edits a chain that neither
// exists nor is created by an earlier rule of the same fragment. checker
// returns the lookup for one address family and is only called when needed.
func checkChains(rules []script.Rule, checker func(ipv6 bool) (chainChecker, error)) error {
	checkers := map[bool]chainChecker{}
	created := map[string]bool{}
	for _, rule := range rules {
		key := fmt.Sprintf("%t/%s/%s", rule.IPv6, rule.Table, rule.Chain)
		switch rule.Op {
		case "-N":
			created[key] = true
		case "-X":
			delete(created, key)
		case "-A", "-I", "-D", "-C", "-R":
			if rule.Chain == "" || created[key] {
				continue
			}
			c, ok := checkers[rule.IPv6]
			if !ok {
				var err error
				if c, err = checker(rule.IPv6); err != nil {
					return err
				}
				checkers[rule.IPv6] = c
			}
			exists, err := c.ChainExists(rule.Table, rule.Chain)
			if err != nil {
				return fmt.Errorf("%w: check chain %s: %v", ErrExecution, rule.Chain, err)
			}
			if !exists {
				return fmt.Errorf("%w: PostUp references missing chain %s in table %s", ErrExecution, rule.Chain, rule.Table)
			}
		}
	}
	return nil
}
