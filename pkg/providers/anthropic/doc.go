// Package anthropic implements the provider adapter for the Anthropic
// Messages API, including SSE streaming with thinking and tool-use deltas.
package anthropic
