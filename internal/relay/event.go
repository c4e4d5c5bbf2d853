// Package relay – inbound event types.
//
// The webhook layer parses platform traffic and hands the router structured
// events; the router never sees raw payloads.
package relay

// InboundMessage is one private-conversation message to be relayed into the
// user's topic thread.
//
// Fields:
//   - UserID: stable identifier of the sender; the key for locking, rate
//     limiting, and the topic binding.
//   - UserChatID: the sender's private chat with the bot; the copy source
//     for forwarding and the destination for challenges and notices.
//   - MessageID: platform identifier of the message inside UserChatID.
//   - DisplayName: the sender's human-readable name, used only to title a
//     freshly created topic.
type InboundMessage struct {
	UserID      string
	UserChatID  int64
	MessageID   int64
	DisplayName string
}
