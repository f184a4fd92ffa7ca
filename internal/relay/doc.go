// Package relay is the websocket surface of parley-relay.
//
// # Overview
//
// Clients connect to /ws with a bearer token, then exchange JSON envelopes
// of the form {"event": name, "data": payload}. Each connection gets a
// Session with one reader and one writer goroutine; server pushes go
// through a buffered channel so fan-out never blocks on a slow socket.
//
// # Protocol
//
// Client events: send-private-message, send-group-message,
// create-conversation, get-chat-history, get-user-conversations,
// typing-indicator, mark-conversation-as-read, delete-message,
// update-message.
//
// Server events: receive-message, receive-conversation,
// new-conversation-received, chat-history, user-conversations,
// typing-indicator, message-read, message-deleted, message-updated and
// chat-error.
//
// Errors always go only to the connection that issued the failing event,
// as a chat-error payload with a message and an HTTP-style status code.
// Typing indicators are the exception to error reporting: they are dropped
// silently when stale or unauthorized.
package relay
