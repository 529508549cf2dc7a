// Package inference defines the provider-independent data model for the
// gateway: the canonical request tree (messages, content blocks, tools,
// sampling parameters), the normalized provider response, and the streaming
// chunk types.
//
// Every provider adapter translates between this model and its own wire
// format. The types here are conceptually immutable once a request enters
// the routing core: translators build new provider bodies, they never mutate
// the canonical tree.
package inference
