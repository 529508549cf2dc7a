package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"apex-hq/meridian/pkg/inference"
)

func TestResolveEnv(t *testing.T) {
	t.Setenv("MERIDIAN_TEST_KEY", "sk-test-123")

	r := NewResolver()
	cred, err := r.Resolve(Location{Scheme: SchemeEnv, Name: "MERIDIAN_TEST_KEY"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.Kind() != KindStatic {
		t.Fatalf("Kind() = %q, want static", cred.Kind())
	}
	value, err := cred.Value(nil)
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if value != "sk-test-123" {
		t.Errorf("Value() = %q", value)
	}
}

func TestResolveEnvMissing(t *testing.T) {
	r := NewResolver()
	_, err := r.Resolve(Location{Scheme: SchemeEnv, Name: "MERIDIAN_UNSET_VAR"})
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("  sk-from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	r := NewResolver()
	cred, err := r.Resolve(Location{Scheme: SchemePath, Name: path})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	value, _ := cred.Value(nil)
	if value != "sk-from-file" {
		t.Errorf("Value() = %q, want trimmed file content", value)
	}
}

func TestResolvePathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("sk-indirect"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MERIDIAN_KEY_PATH", path)

	r := NewResolver()
	cred, err := r.Resolve(Location{Scheme: SchemePathFromEnv, Name: "MERIDIAN_KEY_PATH"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	value, _ := cred.Value(nil)
	if value != "sk-indirect" {
		t.Errorf("Value() = %q", value)
	}
}

func TestResolveEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}

	r := NewResolver()
	_, err := r.Resolve(Location{Scheme: SchemePath, Name: path})
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing for empty file, got %v", err)
	}
}

func TestResolveDynamic(t *testing.T) {
	r := NewResolver()
	cred, err := r.Resolve(Location{Scheme: SchemeDynamic, Name: "TEST_KEY"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.Kind() != KindDynamic {
		t.Fatalf("Kind() = %q, want dynamic", cred.Kind())
	}

	value, err := cred.Value(inference.InferenceCredentials{"TEST_KEY": "sk-dyn"})
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if value != "sk-dyn" {
		t.Errorf("Value() = %q", value)
	}
}

func TestResolveDynamicMissingKey(t *testing.T) {
	r := NewResolver()
	cred, err := r.Resolve(Location{Scheme: SchemeDynamic, Name: "TEST_KEY"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	_, err = cred.Value(inference.InferenceCredentials{})
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
	var missing *MissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingError, got %T", err)
	}
	want := "Dynamic api key `TEST_KEY` is missing"
	if missing.Message != want {
		t.Errorf("Message = %q, want %q", missing.Message, want)
	}
}

func TestResolveFallback(t *testing.T) {
	t.Setenv("MERIDIAN_BACKUP_KEY", "sk-backup")

	fallback := Location{Scheme: SchemeEnv, Name: "MERIDIAN_BACKUP_KEY"}
	loc := Location{Scheme: SchemeEnv, Name: "MERIDIAN_UNSET_PRIMARY", Fallback: &fallback}

	r := NewResolver()
	cred, err := r.Resolve(loc)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	value, _ := cred.Value(nil)
	if value != "sk-backup" {
		t.Errorf("Value() = %q, want fallback secret", value)
	}
}

func TestResolveSdkAndNone(t *testing.T) {
	r := NewResolver()

	sdk, err := r.Resolve(Location{Scheme: SchemeSdk})
	if err != nil || sdk.Kind() != KindSdk {
		t.Errorf("sdk: cred=%+v err=%v", sdk, err)
	}

	none, err := r.Resolve(Location{Scheme: SchemeNone})
	if err != nil || none.Kind() != KindNone {
		t.Errorf("none: cred=%+v err=%v", none, err)
	}
	if v, err := none.Value(nil); err != nil || v != "" {
		t.Errorf("none Value() = %q, %v", v, err)
	}
}

func TestRefreshFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("sk-old"), 0o600); err != nil {
		t.Fatal(err)
	}

	r := NewResolver()
	loc := Location{Scheme: SchemePath, Name: path}
	if _, err := r.Resolve(loc); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := os.WriteFile(path, []byte("sk-new"), 0o600); err != nil {
		t.Fatal(err)
	}
	r.refreshFile(path)

	cred, err := r.Resolve(loc)
	if err != nil {
		t.Fatalf("Resolve after refresh: %v", err)
	}
	value, _ := cred.Value(nil)
	if value != "sk-new" {
		t.Errorf("Value() = %q, want refreshed secret", value)
	}
}

func TestResolveCachesEnvRead(t *testing.T) {
	t.Setenv("MERIDIAN_CACHED_KEY", "sk-first")

	r := NewResolver()
	loc := Location{Scheme: SchemeEnv, Name: "MERIDIAN_CACHED_KEY"}
	if _, err := r.Resolve(loc); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	t.Setenv("MERIDIAN_CACHED_KEY", "sk-second")
	cred, err := r.Resolve(loc)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	value, _ := cred.Value(nil)
	if value != "sk-first" {
		t.Errorf("Value() = %q, want cached first read", value)
	}
}
