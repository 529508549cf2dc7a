// Package openai implements the provider adapter for the OpenAI Chat
// Completions API and the large family of compatible providers (Azure,
// Mistral, xAI, Together, Fireworks, Groq, Hyperbolic, DeepSeek, vLLM, TGI,
// SGLang). One adapter serves them all; a per-kind table supplies default
// base URLs, auth header shape, and feature quirks.
//
// Batch inference (files upload, batch create, poll, JSONL download) is
// available on the kinds that expose the OpenAI batch endpoints.
package openai
