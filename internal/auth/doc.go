// Package auth provides observer authentication for lookout-relay.
//
// # Tokens
//
// Observer consoles present an HS256 JWT, either in the admin_connect message
// on the relay socket or as a bearer token on the HTTP API. Tokens are signed
// with auth.jwt_secret (at least 32 bytes) and carry:
//
//   - sub: stable principal id (required)
//   - name: display name attached to forwarded commands as requestedBy
//   - roles: free-form role list
//   - exp: optional expiry
//
// Tokens are minted with `lookout-relay token --name NAME`.
//
// # Verification
//
// JWTVerifier.Verify returns ErrExpiredToken for expired tokens and wraps
// every other failure in ErrInvalidToken, so callers can report the two cases
// differently.
//
// # HTTP
//
// HTTPAuthMiddleware rejects requests without a valid bearer token with a
// JSON 401 body and stores the Principal in the request context, retrieved
// with FromContext.
package auth
