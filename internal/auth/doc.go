// Package auth issues and verifies the bearer tokens that identify chat users.
//
// # Tokens
//
// Tokens are HS256 JWTs signed with the configured auth.jwt_secret (at least
// 32 bytes). Claims:
//
//   - sub: subject id, required
//   - email: used when registering the subject with the entitlement service
//   - roles: "admin" unlocks backend administration endpoints
//
//	v, err := auth.NewJWTVerifier(secret)
//	token, err := v.Generate(auth.Claims{Subject: "u-1", Email: "a@b.c"}, 24*time.Hour)
//
// # Identities
//
// IdentityFromToken maps a token to the chat.Identity handed to the gate. No
// token means anonymous; the gate answers NeedsAuth for anonymous callers
// without any network traffic.
//
// # HTTP
//
// HTTPAuthMiddleware guards backend endpoints and stores the verified Claims
// in the request context. RequireAdminHTTP must follow it on admin routes.
// BearerTransport is the client side counterpart.
package auth
