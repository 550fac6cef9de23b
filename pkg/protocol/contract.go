package protocol

// ScopeAny matches every scope in forbidden and agreed entries.
const ScopeAny = "any"

func scopeMatches(declared, requested string) bool {
	if declared == "" || declared == ScopeAny {
		return true
	}
	if requested == "" || requested == ScopeAny {
		return true
	}
	return declared == requested
}

// Forbidden reports whether the contract forbids action in the given
// scope. An empty or "any" scope on either side matches.
func (c *Contract) Forbidden(action, scope string) bool {
	for _, f := range c.ForbiddenActions {
		if f.Action == action && scopeMatches(f.Scope, scope) {
			return true
		}
	}
	return false
}

// Authorizes resolves whether executor may perform action in scope under
// forbidden-action dominance: a matching forbidden entry removes the
// authorization regardless of agreed_actions membership.
func (c *Contract) Authorizes(action, scope, executor string) bool {
	if c.Forbidden(action, scope) {
		return false
	}
	for _, a := range c.AgreedActions {
		if a.Action == action && a.Executor == executor && scopeMatches(a.Scope, scope) {
			return true
		}
	}
	return false
}

// Executors returns the distinct executor ids named in agreed_actions.
func (c *Contract) Executors() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range c.AgreedActions {
		if _, dup := seen[a.Executor]; dup {
			continue
		}
		seen[a.Executor] = struct{}{}
		out = append(out, a.Executor)
	}
	return out
}

// Approved reports whether the contract carries at least one approval
// with decision "approve".
func (c *Contract) Approved() bool {
	for _, a := range c.Approvals {
		if a.Decision == "approve" {
			return true
		}
	}
	return false
}
