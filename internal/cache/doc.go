// Package cache defines the versioned response stores behind the image cache.
// A Registry holds named stores (one per version tag) and a Store maps request
// keys to immutable StoredResponse snapshots. Snapshots are persisted as raw
// HTTP/1.1 responses so every driver (fs, sqlite, memory) shares one codec.
// Lifecycle cleanup deletes whole stores by name; the proxy layer only ever
// reads and writes the store named by CurrentVersion.
package cache
