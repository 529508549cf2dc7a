// Package openrouter implements the provider adapter for OpenRouter. The
// wire format is Chat Completions plus OpenRouter's reasoning_details
// extension, which round-trips text, summary and encrypted reasoning blocks
// across turns.
package openrouter
