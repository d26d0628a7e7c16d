// Package models holds the chat-application data types built on top of
// the drive protocol: conversations, messages, and the peer command
// payloads that mutate them.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client codes of the recognized peer commands. Unrecognized codes are
// left pending for newer clients.
const (
	JoinConversationCode = 100
	MarkAsReadCode       = 150
)

// Archival states of a conversation.
const (
	ArchivalStatusNone     = 0
	ArchivalStatusArchived = 1
	ArchivalStatusRemoved  = 2
)

// ChatDeliveryStatus tracks how far a message has travelled.
type ChatDeliveryStatus int

const (
	DeliveryStatusSending   ChatDeliveryStatus = 15
	DeliveryStatusSent      ChatDeliveryStatus = 20
	DeliveryStatusDelivered ChatDeliveryStatus = 30
	DeliveryStatusRead      ChatDeliveryStatus = 40
	DeliveryStatusFailed    ChatDeliveryStatus = 50
)

// SingleConversation is a two-party conversation with one recipient.
type SingleConversation struct {
	Recipient string `json:"recipient"`
}

// GroupConversation is a multi-party conversation.
type GroupConversation struct {
	Recipients []string `json:"recipients"`
}

// Conversation is a tagged variant: exactly one of Single or Group is
// set. The variant is explicit so consumers match on it totally instead
// of probing for a recipients field.
type Conversation struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Created        int64  `json:"created"`
	LastReadTime   int64  `json:"lastReadTime"`
	ArchivalStatus int    `json:"archivalStatus"`

	FileID     string `json:"fileId,omitempty"`
	VersionTag string `json:"versionTag,omitempty"`

	Single *SingleConversation `json:"single,omitempty"`
	Group  *GroupConversation  `json:"group,omitempty"`
}

// Validate enforces the variant invariant.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return errors.New("conversation without id")
	}

	if (c.Single == nil) == (c.Group == nil) {
		return fmt.Errorf("conversation %s must be exactly one of single or group", c.ID)
	}

	return nil
}

// Recipients returns the peer identities of either variant.
func (c *Conversation) Recipients() []string {
	if c.Single != nil {
		return []string{c.Single.Recipient}
	}

	if c.Group != nil {
		return c.Group.Recipients
	}

	return nil
}

// IsArchived reports whether the conversation is soft-archived and
// needs restoring when a new message arrives.
func (c *Conversation) IsArchived() bool {
	return c.ArchivalStatus == ArchivalStatusArchived
}

// ChatMessage is one message in a conversation. ConversationID is the
// drive groupId; GlobalTransitID is the delivery-stable identifier used
// by peers (for example in mark-as-read commands) to reference the
// message across recipients.
type ChatMessage struct {
	ID              string             `json:"id"`
	ConversationID  string             `json:"conversationId"`
	GlobalTransitID string             `json:"globalTransitId,omitempty"`
	Sender          string             `json:"sender,omitempty"`
	Text            string             `json:"text,omitempty"`
	DeliveryStatus  ChatDeliveryStatus `json:"deliveryStatus"`
	Created         int64              `json:"created"`
	Updated         int64              `json:"updated,omitempty"`

	FileID     string `json:"fileId,omitempty"`
	VersionTag string `json:"versionTag,omitempty"`
}

// JoinConversationCommand is the payload of a join-conversation peer
// command: the sender asks this identity to materialize a conversation
// record for the given id.
type JoinConversationCommand struct {
	ConversationID string   `json:"conversationId"`
	Title          string   `json:"title"`
	Recipients     []string `json:"recipients"`
}

// MarkAsReadCommand is the payload of a mark-as-read peer command,
// referencing the affected messages by their transit-scoped ids.
type MarkAsReadCommand struct {
	ConversationID          string   `json:"conversationId"`
	MessageGlobalTransitIDs []string `json:"messageGlobalTransitIds"`
}

// ParseJoinConversation decodes a join-conversation command payload and
// builds the conversation variant from the recipient count. A payload
// without recipients falls back to the command sender.
func ParseJoinConversation(sender, payload string) (*Conversation, error) {
	var cmd JoinConversationCommand
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return nil, fmt.Errorf("decoding join-conversation payload: %w", err)
	}

	if cmd.ConversationID == "" {
		return nil, errors.New("join-conversation payload without conversationId")
	}

	recipients := cmd.Recipients
	if len(recipients) == 0 {
		recipients = []string{sender}
	}

	conv := &Conversation{
		ID:    cmd.ConversationID,
		Title: cmd.Title,
	}

	if len(recipients) == 1 {
		conv.Single = &SingleConversation{Recipient: recipients[0]}
	} else {
		conv.Group = &GroupConversation{Recipients: recipients}
	}

	return conv, nil
}

// ParseMarkAsRead decodes a mark-as-read command payload.
func ParseMarkAsRead(payload string) (*MarkAsReadCommand, error) {
	var cmd MarkAsReadCommand
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return nil, fmt.Errorf("decoding mark-as-read payload: %w", err)
	}

	if len(cmd.MessageGlobalTransitIDs) == 0 {
		return nil, errors.New("mark-as-read payload without message ids")
	}

	return &cmd, nil
}
