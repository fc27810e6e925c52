// Package backend implements the server side of the chat client's wire
// contracts:
//
//	GET  /health                      liveness, unauthenticated
//	GET  /entitlement?subject=        {"active": bool}
//	POST /register                    {"subject", "email"}
//	POST /send                        SSE stream of text, usage, error and done events
//	GET  /templates/classify          {"template", "title"}
//	GET  /templates/expand            {"assistantMessage", "userMessage"}
//	GET  /admin/entitlements          list the registry (admin role)
//	POST /admin/entitlements          {"subject", "active"} (admin role)
//	GET  /admin/audit?subject=&limit= audit trail, newest first (admin role)
//	POST /webhooks/subscription       HMAC-signed billing events
//
// Every route except /health and the webhook requires a bearer JWT. Callers
// may only query or register their own subject unless they hold the admin
// role.
//
// The webhook route only exists when a webhook secret is configured. The
// body is signed with HMAC-SHA256 and the signature is sent as
// "X-Signature: sha256=<hex>". The admin audit route only exists when an
// AuditStore is supplied.
package backend
