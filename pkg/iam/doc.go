// Package iam is the multi-tenant authentication and authorization engine.
//
// # Overview
//
//   - iam/token      opaque bearer tokens: issue, validate, revoke, sweep
//   - iam/oauth      OAuth2 authorization code flow with PKCE (S256)
//   - iam/rbac       roles, assignments and the cached permission resolver
//   - iam/session    session establishment, concurrent session cap, cleanup
//   - iam/audit      security event sinks
//   - iam/user       the user directory the engine resolves identities against
//   - iam/tenant     request scoped organization context
//   - iam/auth       the HTTP guard, password login and REST handlers
//
// # Architecture
//
//	HTTP Handler  →  Service Layer  →  Repository Interface  →  Infrastructure (Postgres/Redis)
//
// Each sub-domain exposes its own error registry (TOKEN, OAUTH2, RBAC, AUTH),
// domain types and ports; implementations live in <pkg>infra.
//
// # Tokens
//
// A token is "<id>.<secret>" where the id is a UUID and the secret carries 256
// bits of entropy. Only SHA-256(salt || token) is stored. Validation looks the
// row up by id and compares hashes in constant time, so a database leak does
// not yield usable credentials.
//
// # Authorization
//
// Every protected route runs the same four steps: authenticate the bearer,
// resolve the target organization from the path, require it to equal the
// token's organization, then check RESOURCE:ACTION against the effective
// permission set. Permission sets are cached in Redis for at most 15 minutes
// and every role mutation invalidates the affected user/organization keys
// before it returns.
package iam
