// Package providers defines the provider adapter contract and the shared
// HTTP/SSE plumbing used by every concrete adapter (anthropic, openai,
// openrouter, bedrock, dummy).
//
// An adapter owns the full round trip to one provider API: translating the
// canonical request into the provider wire format, applying inference
// parameters and user body/header overrides, resolving credentials, issuing
// the HTTP call, and translating the response (or SSE stream) back into the
// canonical model.
//
// Adapters never retry and never failover; both are routing concerns. They
// classify failures into the error types in errors.go so the router can
// decide what to do next.
package providers
