// Package config handles configuration loading for chatgate.
//
// # Configuration File
//
// Locations, first match wins:
//
//  1. Path from the CHATGATE_CONFIG environment variable
//  2. ./chatgate.yaml
//  3. <user config dir>/chatgate/config.yaml
//
// With no file at all every default applies.
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${CHATGATE_JWT_SECRET}"
//	  token: "${CHATGATE_TOKEN}"
//
// # Duration Parsing
//
// Durations use time.ParseDuration syntax:
//
//	entitlement:
//	  cache_ttl: "30s"
//	  poll_interval: "5s"
//	  max_attempts: 30
//	sampler:
//	  window: "50ms"
//
// # Sections
//
//	backend:      addr, url, templates_file, rate_limit, rate_burst,
//	              webhook_secret
//	database:     path
//	auth:         jwt_secret, token
//	entitlement:  cache_ttl, poll_interval, lookup_timeout, max_attempts
//	bootstrap:    auto_select_template
//	sampler:      window, persist_timeout
//	inference:    provider (gateway|openai), request_timeout, system_prompt,
//	              max_tokens, temperature, base_urls, context_flags
//	selection:    default_model, default_provider, secret
//	logging:      level, format (text|json)
//	metrics:      enabled, path
package config
