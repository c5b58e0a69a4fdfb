// Package flow tracks in-flight OAuth authorization attempts. Each attempt is
// a FlowState keyed by its random state token, carrying the PKCE verifier and
// derived challenge, and expiring fifteen minutes after creation. At most one
// active record exists per state token.
//
// Validation tolerates a provider quirk where the echoed state token carries a
// forced-reauth suffix: the lookup retries with the suffix stripped before
// reporting NotFound. Status transitions run strictly forward; replayed
// callbacks against a terminal flow are reported as AlreadyConsumed.
package flow
