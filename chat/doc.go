// Package chat reacts to chat-message events from the bus.
//
// It provides two consumers:
//   - ExpHandler: awards experience for regular messages (commands earn
//     nothing) plus a one-time bonus for an identity's first message of the
//     session. Bonus state resets whenever the connection (re)joins the
//     channel.
//   - Recorder: persists every chat message into the chat_messages table.
package chat
