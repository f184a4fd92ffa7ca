// Package store provides SQLite-backed persistence for parley-relay.
//
// # Overview
//
// The store persists users, conversations, their participant sets, messages
// and per-message read receipts. SQLiteStore is the production
// implementation; the Store interface exists so services can be tested
// against fakes.
//
// # Schema
//
// Five tables: users, conversations, conversation_participants, messages
// and message_reads. The schema is created on open, so a fresh database
// file is immediately usable.
//
// Private conversations carry a pair_key, the sorted concatenation of the
// two participant identities. A partial unique index on pair_key makes
// the private conversation per pair unique at the storage layer; concurrent
// creators race safely because the loser gets ErrDuplicateConversation and
// re-reads.
//
// # Timestamps
//
// Timestamps are stored as fixed-width UTC text so that lexicographic
// ordering equals chronological ordering. Message pagination and the
// read-up-to watermark both rely on this.
//
// # Errors
//
// Lookup misses return ErrNotFound. Conflicting private-pair inserts
// return ErrDuplicateConversation. Edits of an already-edited message
// return ErrMessageLocked. Callers branch on these with errors.Is.
package store
