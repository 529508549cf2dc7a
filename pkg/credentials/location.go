package credentials

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scheme identifies how a credential location is dereferenced.
type Scheme string

// Location scheme constants.
const (
	// SchemeEnv reads the named process environment variable.
	SchemeEnv Scheme = "env"

	// SchemePathFromEnv reads the named environment variable, then reads the
	// file at that path.
	SchemePathFromEnv Scheme = "path_from_env"

	// SchemePath reads the file at the given path directly.
	SchemePath Scheme = "path"

	// SchemeDynamic looks the key up in the per-request credential map at
	// call time.
	SchemeDynamic Scheme = "dynamic"

	// SchemeSdk defers credential handling to the provider SDK.
	SchemeSdk Scheme = "sdk"

	// SchemeNone means the provider needs no credential.
	SchemeNone Scheme = "none"
)

// Location describes where a provider credential lives. The textual form is
// scheme-prefixed: "env::NAME", "path_from_env::NAME", "dynamic::NAME",
// "path::/abs/path", "sdk", "none". A fallback form deserialises from a
// mapping {default: "env::A", fallback: "env::B"}.
type Location struct {
	Scheme Scheme

	// Name is the environment variable name, dynamic lookup key, or file
	// path, depending on Scheme.
	Name string

	// Fallback, when set, is attempted if and only if the primary location
	// resolves to a missing key.
	Fallback *Location
}

// ParseLocation parses the textual scheme-prefixed form.
func ParseLocation(s string) (Location, error) {
	switch s {
	case string(SchemeSdk):
		return Location{Scheme: SchemeSdk}, nil
	case string(SchemeNone):
		return Location{Scheme: SchemeNone}, nil
	}

	scheme, name, ok := strings.Cut(s, "::")
	if !ok {
		return Location{}, fmt.Errorf("invalid credential location %q: missing scheme prefix", s)
	}
	if name == "" {
		return Location{}, fmt.Errorf("invalid credential location %q: empty name", s)
	}
	switch Scheme(scheme) {
	case SchemeEnv, SchemePathFromEnv, SchemePath, SchemeDynamic:
		return Location{Scheme: Scheme(scheme), Name: name}, nil
	default:
		return Location{}, fmt.Errorf("invalid credential location %q: unknown scheme %q", s, scheme)
	}
}

// String renders the textual scheme-prefixed form. Fallback chains render as
// their primary location only; use MarshalYAML for the full object form.
func (l Location) String() string {
	switch l.Scheme {
	case SchemeSdk, SchemeNone:
		return string(l.Scheme)
	default:
		return string(l.Scheme) + "::" + l.Name
	}
}

// cacheKey uniquely identifies a location including its fallback chain.
func (l Location) cacheKey() string {
	key := l.String()
	if l.Fallback != nil {
		key += "|" + l.Fallback.cacheKey()
	}
	return key
}

// fallbackForm mirrors the {default, fallback} YAML object form.
type fallbackForm struct {
	Default  string `yaml:"default"`
	Fallback string `yaml:"fallback"`
}

// UnmarshalYAML accepts either the string form or the fallback object form.
func (l *Location) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		parsed, err := ParseLocation(s)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}

	var form fallbackForm
	if err := node.Decode(&form); err != nil {
		return err
	}
	primary, err := ParseLocation(form.Default)
	if err != nil {
		return fmt.Errorf("invalid default credential location: %w", err)
	}
	fallback, err := ParseLocation(form.Fallback)
	if err != nil {
		return fmt.Errorf("invalid fallback credential location: %w", err)
	}
	primary.Fallback = &fallback
	*l = primary
	return nil
}

// MarshalYAML renders the string form, or the object form for fallbacks.
func (l Location) MarshalYAML() (any, error) {
	if l.Fallback == nil {
		return l.String(), nil
	}
	return fallbackForm{Default: l.String(), Fallback: l.Fallback.String()}, nil
}
