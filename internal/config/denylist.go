package config

// DefaultDenylistDomains returns sites that are never remembered as a page
// association: banking, password managers, identity providers, healthcare
// and tax portals. Resolution still works on them; the binding is just not
// persisted.
func DefaultDenylistDomains() []string {
	return []string{
		// Banking & payments
		"chase.com",
		"bankofamerica.com",
		"wellsfargo.com",
		"citi.com",
		"capitalone.com",
		"schwab.com",
		"fidelity.com",
		"vanguard.com",
		"paypal.com",
		"venmo.com",

		// Password managers
		"1password.com",
		"lastpass.com",
		"bitwarden.com",
		"dashlane.com",

		// Identity
		"accounts.google.com",
		"login.microsoftonline.com",
		"login.live.com",
		"auth0.com",
		"okta.com",

		// Healthcare
		"mychart.com",
		"kp.org",
		"healthcare.gov",

		// Government & tax
		"irs.gov",
		"ssa.gov",
		"login.gov",
		"id.me",
	}
}

// AssociationDenylist merges the default list (when enabled) with the
// configured domains.
func (c *Config) AssociationDenylist() []string {
	var out []string
	if c.Association.UseDefaultDeny {
		out = append(out, DefaultDenylistDomains()...)
	}
	return append(out, c.Association.DenylistDomains...)
}
