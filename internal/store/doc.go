// Package store caches the state produced by the watch engine.
//
// The store is fed from the event bus through [Apply] and read by the HTTP
// API. It keeps the open merge requests of the watched users together with
// their latest pipeline and project, and the pending todos with their count.
//
// The main components are:
//
//   - [Store]: Interface defining storage and subscription operations
//   - [MemoryStore]: In-memory implementation of Store with pub/sub
//   - [MergeRequestView]: A merge request joined with its pipeline and project
//   - [Change]: A single mutation, pushed to subscribers
//
// Subscribers receive changes via channels with non-blocking sends (slow
// subscribers will miss changes rather than block the watch loops).
package store
