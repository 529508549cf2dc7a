// Package providerfactory turns provider bindings into live adapters and
// assembles routers for whole model configurations.
package providerfactory

import (
	"fmt"
	"log/slog"

	"apex-hq/meridian/pkg/credentials"
	"apex-hq/meridian/pkg/providers"
	"apex-hq/meridian/pkg/providers/anthropic"
	"apex-hq/meridian/pkg/providers/bedrock"
	"apex-hq/meridian/pkg/providers/dummy"
	"apex-hq/meridian/pkg/providers/openrouter"

	openaicompat "apex-hq/meridian/pkg/providers/openai"
	"apex-hq/meridian/pkg/routing"
)

// Options carries the shared dependencies adapters are built with.
type Options struct {
	// Resolver dereferences credential locations. Required for any binding
	// that names a credential.
	Resolver *credentials.Resolver

	// BedrockRuntime is the AWS runtime client shared by bedrock bindings.
	// Required only when a bedrock binding exists.
	BedrockRuntime bedrock.RuntimeClient

	// HTTP tunes the shared transport of HTTP-based adapters; zero value
	// uses each adapter's defaults.
	HTTP providers.HTTPClientConfig
}

// New builds the adapter for one binding. The binding kind selects the
// provider family; kinds outside the known families are tried as
// OpenAI-compatible.
func New(name string, binding routing.ProviderBinding, opts Options) (providers.Provider, error) {
	slog.Debug("creating provider",
		"name", name,
		"kind", binding.Kind,
		"api_base", binding.APIBase,
	)

	switch binding.Kind {
	case "anthropic":
		cred, err := resolveCredential(name, binding, opts)
		if err != nil {
			return nil, err
		}
		return anthropic.New(anthropic.Config{
			Name:                 name,
			Model:                binding.Model,
			APIBase:              binding.APIBase,
			Credential:           cred,
			BetaFlags:            binding.BetaFlags,
			ExtraBody:            binding.ExtraBody,
			ExtraHeaders:         binding.ExtraHeaders,
			DiscardUnknownChunks: binding.DiscardUnknownChunks,
			HTTP:                 opts.HTTP,
		}), nil

	case "openrouter":
		cred, err := resolveCredential(name, binding, opts)
		if err != nil {
			return nil, err
		}
		return openrouter.New(openrouter.Config{
			Name:                 name,
			Model:                binding.Model,
			APIBase:              binding.APIBase,
			Credential:           cred,
			ExtraBody:            binding.ExtraBody,
			ExtraHeaders:         binding.ExtraHeaders,
			DiscardUnknownChunks: binding.DiscardUnknownChunks,
			HTTP:                 opts.HTTP,
		}), nil

	case "bedrock":
		if opts.BedrockRuntime == nil {
			return nil, fmt.Errorf("binding %q: bedrock runtime client is not configured", name)
		}
		return bedrock.New(bedrock.Config{
			Name:                 name,
			Model:                binding.Model,
			Runtime:              opts.BedrockRuntime,
			DiscardUnknownChunks: binding.DiscardUnknownChunks,
		})

	case "dummy":
		cfg := dummy.Config{Name: name}
		if binding.Credential.Scheme != "" {
			cred, err := resolveCredential(name, binding, opts)
			if err != nil {
				return nil, err
			}
			cfg.Credential = &cred
		}
		return dummy.New(cfg), nil

	default:
		// Everything else is an OpenAI-compatible kind; openai.New rejects
		// kinds outside its compatibility table.
		cred, err := resolveCredential(name, binding, opts)
		if err != nil {
			return nil, err
		}
		client, err := openaicompat.New(openaicompat.Config{
			Name:                 name,
			Kind:                 binding.Kind,
			Model:                binding.Model,
			APIBase:              binding.APIBase,
			Credential:           cred,
			ExtraBody:            binding.ExtraBody,
			ExtraHeaders:         binding.ExtraHeaders,
			DiscardUnknownChunks: binding.DiscardUnknownChunks,
			HTTP:                 opts.HTTP,
		})
		if err != nil {
			return nil, fmt.Errorf("binding %q: %w", name, err)
		}
		return client, nil
	}
}

// resolveCredential dereferences the binding's credential location. Bindings
// without a location get the none credential.
func resolveCredential(name string, binding routing.ProviderBinding, opts Options) (credentials.Credential, error) {
	if binding.Credential.Scheme == "" {
		return credentials.None(), nil
	}
	if opts.Resolver == nil {
		return credentials.Credential{}, fmt.Errorf("binding %q: credential resolver is not configured", name)
	}
	cred, err := opts.Resolver.Resolve(binding.Credential)
	if err != nil {
		return credentials.Credential{}, fmt.Errorf("binding %q: %w", name, err)
	}
	return cred, nil
}
