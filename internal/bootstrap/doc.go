// Package bootstrap seeds a new conversation from an auto-selected starter
// template.
//
// TryBootstrap asks the template service to classify the first user message
// and, when a template other than "blank" is chosen, to expand it. The two
// calls are strictly sequential. On success the result carries three seed
// messages:
//
//  1. the user's message, prefixed with the model/provider context line
//  2. the assistant scaffold returned by the template service
//  3. a hidden user message with follow-up instructions
//
// Any failure degrades to the blank template and raises a warning notice;
// TryBootstrap never returns an error.
package bootstrap
