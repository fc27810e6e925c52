// Package selection persists the client's model and provider choice, the
// unsent draft and the per-provider API keys.
//
// Values live in a store.PreferenceStore. The API key map is sealed with
// NaCl secretbox under a key derived from the configured secret, so the
// database never holds keys in clear text. A map that cannot be opened
// (wrong secret, corrupt value) is logged and treated as empty.
package selection
