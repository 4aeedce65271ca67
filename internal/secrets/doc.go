// Package secrets redacts credentials from conversation text before it is
// mined for expertise records.
//
// Detection uses the gitleaks default rule set plus optional custom regex
// rules from configuration. Matches are replaced with
// [REDACTED:<rule-id>:<preview>] markers so extracted knowledge keeps its
// meaning without carrying the secret. Allowlists come from configuration
// and from a gitleaks-style TOML file.
package secrets
