package credentials

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"apex-hq/meridian/pkg/inference"
)

// ErrMissing is matched (via errors.Is) by every missing-credential error.
var ErrMissing = errors.New("api key missing")

// MissingError reports an unresolvable credential. Provider is filled in by
// the adapter layer.
type MissingError struct {
	// Provider is the provider name the credential was for.
	Provider string

	// Message describes which location failed and how.
	Message string
}

// Error implements the error interface.
func (e *MissingError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("provider %q: %s", e.Provider, e.Message)
	}
	return e.Message
}

// Is implements error matching for errors.Is().
func (e *MissingError) Is(target error) bool {
	return target == ErrMissing
}

// Kind discriminates resolved credentials.
type Kind string

// Credential kind constants.
const (
	// KindStatic is a secret resolved at configuration time.
	KindStatic Kind = "static"

	// KindDynamic is looked up per-request.
	KindDynamic Kind = "dynamic"

	// KindSdk defers to the provider SDK's own credential chain.
	KindSdk Kind = "sdk"

	// KindNone means no credential is attached.
	KindNone Kind = "none"
)

// Credential is a resolved credential. Static credentials carry their secret;
// dynamic ones carry the lookup key and defer to the per-request map.
type Credential struct {
	kind   Kind
	secret string
	key    string
}

// Static builds a static credential holding secret.
func Static(secret string) Credential { return Credential{kind: KindStatic, secret: secret} }

// Dynamic builds a credential resolved per-request under key.
func Dynamic(key string) Credential { return Credential{kind: KindDynamic, key: key} }

// Sdk is the sentinel credential that defers to a provider SDK.
func Sdk() Credential { return Credential{kind: KindSdk} }

// None is the sentinel credential meaning "no credential".
func None() Credential { return Credential{kind: KindNone} }

// Kind returns the credential kind.
func (c Credential) Kind() Kind { return c.kind }

// Value returns the secret for this call. Dynamic credentials are looked up
// in the per-request map; a missing key yields a MissingError. Sdk and None
// credentials return an empty string with no error.
func (c Credential) Value(creds inference.InferenceCredentials) (string, error) {
	switch c.kind {
	case KindStatic:
		return c.secret, nil
	case KindDynamic:
		secret, ok := creds[c.key]
		if !ok {
			return "", &MissingError{Message: fmt.Sprintf("Dynamic api key `%s` is missing", c.key)}
		}
		return secret, nil
	default:
		return "", nil
	}
}

// Resolver resolves credential locations, caching static and file-backed
// results for the process lifetime. It is safe for concurrent use.
type Resolver struct {
	mu    sync.RWMutex
	cache map[string]Credential

	// filePaths maps watched file paths to the cache keys they back, so a
	// file watcher can invalidate the right entries.
	filePaths map[string][]string
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		cache:     make(map[string]Credential),
		filePaths: make(map[string][]string),
	}
}

// Resolve dereferences a location into a credential. Env- and file-backed
// locations are read now and cached; dynamic locations return a deferred
// credential re-resolved every call. A fallback location is attempted if and
// only if the primary resolves to a missing key, logged at WARN.
func (r *Resolver) Resolve(loc Location) (Credential, error) {
	cred, err := r.resolvePrimary(loc)
	if err == nil || loc.Fallback == nil || !errors.Is(err, ErrMissing) {
		return cred, err
	}

	slog.Warn("credential location missing, falling through to fallback",
		"location", loc.String(),
		"fallback", loc.Fallback.String(),
	)
	return r.Resolve(*loc.Fallback)
}

func (r *Resolver) resolvePrimary(loc Location) (Credential, error) {
	switch loc.Scheme {
	case SchemeDynamic:
		return Dynamic(loc.Name), nil
	case SchemeSdk:
		return Sdk(), nil
	case SchemeNone:
		return None(), nil
	}

	key := loc.cacheKey()
	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	cred, path, err := readLocation(loc)
	if err != nil {
		return Credential{}, err
	}

	r.mu.Lock()
	r.cache[key] = cred
	if path != "" {
		r.filePaths[path] = append(r.filePaths[path], key)
	}
	r.mu.Unlock()
	return cred, nil
}

// readLocation performs the actual environment/file read. It returns the
// backing file path for file-backed locations so the watcher can track it.
func readLocation(loc Location) (Credential, string, error) {
	switch loc.Scheme {
	case SchemeEnv:
		value, ok := os.LookupEnv(loc.Name)
		if !ok || value == "" {
			return Credential{}, "", &MissingError{
				Message: fmt.Sprintf("environment variable `%s` is missing", loc.Name),
			}
		}
		return Static(value), "", nil

	case SchemePathFromEnv:
		path, ok := os.LookupEnv(loc.Name)
		if !ok || path == "" {
			return Credential{}, "", &MissingError{
				Message: fmt.Sprintf("environment variable `%s` is missing", loc.Name),
			}
		}
		cred, err := readFileCredential(path)
		return cred, path, err

	case SchemePath:
		cred, err := readFileCredential(loc.Name)
		return cred, loc.Name, err

	default:
		return Credential{}, "", fmt.Errorf("unresolvable credential scheme %q", loc.Scheme)
	}
}

func readFileCredential(path string) (Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, &MissingError{
			Message: fmt.Sprintf("credential file `%s` is unreadable: %v", path, err),
		}
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return Credential{}, &MissingError{
			Message: fmt.Sprintf("credential file `%s` is empty", path),
		}
	}
	return Static(secret), nil
}

// refreshFile re-reads a watched credential file and updates every cache
// entry it backs. Unreadable files leave the cached value in place.
func (r *Resolver) refreshFile(path string) {
	cred, err := readFileCredential(path)
	if err != nil {
		slog.Warn("credential file refresh failed, keeping cached value",
			"path", path,
			"error", err,
		)
		return
	}

	r.mu.Lock()
	for _, key := range r.filePaths[path] {
		r.cache[key] = cred
	}
	r.mu.Unlock()
	slog.Info("credential file refreshed", "path", path)
}

// watchedPaths returns the file paths currently backing cached credentials.
func (r *Resolver) watchedPaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.filePaths))
	for path := range r.filePaths {
		paths = append(paths, path)
	}
	return paths
}
