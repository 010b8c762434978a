// Package ci holds the continuous-integration glue: the cross-invocation
// state file a multi-step pipeline shares, private address discovery for
// bootstrapped build minions, and the GitHub/Jenkins HTTP clients used to
// post commit statuses.
package ci
