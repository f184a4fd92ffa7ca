// Package conversation implements the chat domain rules on top of the store.
//
// # Overview
//
// The Service owns conversation lifecycle and message operations:
// get-or-create for private pairs, group creation, message save with reply
// snapshots, history paging, read receipts, deletes and the single allowed
// edit. It returns fully resolved views with sender and participant user
// records joined in, ready for marshaling to clients.
//
// # Private conversations
//
// A private conversation is identified by its participant pair regardless
// of order: (a, b) and (b, a) name the same conversation. The service
// canonicalizes the pair and relies on the store's uniqueness guarantee,
// retrying with a lookup when a concurrent creator wins.
//
// # Errors
//
// All failures are *Error values carrying a coarse Status
// (invalid argument, not found, forbidden, internal). Transports map the
// status to their own codes via HTTPStatus and expose PublicMessage;
// internal causes stay out of client responses.
package conversation
