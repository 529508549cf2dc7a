// Package credentials resolves provider API credentials from their
// configured locations: process environment, files (directly or via an
// environment variable holding the path), per-request dynamic maps, provider
// SDKs, or nothing at all.
//
// Static and file-backed credentials are resolved once at configuration time
// and cached for the process lifetime; a fsnotify watcher can refresh
// file-backed entries when the backing file changes. Dynamic credentials are
// re-resolved on every call from the request's credential map.
package credentials
