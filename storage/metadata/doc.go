// Package metadata provides MetadataStore backends for the cache: an in-process
// map, a SQLite table and a Redis keyspace. All three offer the same atomic
// conditional writes, so records, saved states and generation indexes behave
// identically whichever backend a deployment chooses.
package metadata
