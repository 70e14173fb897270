// Package searcher provides the bounded priority queues used by graph traversal.
//
// Items are ordered by distance first and node id second, so every queue
// yields a total, reproducible order even when distances tie.
package searcher
