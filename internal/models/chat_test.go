package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversation_ValidateRequiresExactlyOneVariant(t *testing.T) {
	tests := []struct {
		name    string
		conv    Conversation
		wantErr bool
	}{
		{
			name: "single",
			conv: Conversation{ID: "c1", Single: &SingleConversation{Recipient: "alice"}},
		},
		{
			name: "group",
			conv: Conversation{ID: "c1", Group: &GroupConversation{Recipients: []string{"alice", "bob"}}},
		},
		{
			name:    "neither",
			conv:    Conversation{ID: "c1"},
			wantErr: true,
		},
		{
			name: "both",
			conv: Conversation{
				ID:     "c1",
				Single: &SingleConversation{Recipient: "alice"},
				Group:  &GroupConversation{Recipients: []string{"alice", "bob"}},
			},
			wantErr: true,
		},
		{
			name:    "missing id",
			conv:    Conversation{Single: &SingleConversation{Recipient: "alice"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.conv.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConversation_Recipients(t *testing.T) {
	single := Conversation{ID: "c1", Single: &SingleConversation{Recipient: "alice"}}
	assert.Equal(t, []string{"alice"}, single.Recipients())

	group := Conversation{ID: "c2", Group: &GroupConversation{Recipients: []string{"alice", "bob"}}}
	assert.Equal(t, []string{"alice", "bob"}, group.Recipients())
}

func TestConversation_IsArchived(t *testing.T) {
	conv := Conversation{ID: "c1", Single: &SingleConversation{Recipient: "alice"}}
	assert.False(t, conv.IsArchived())

	conv.ArchivalStatus = ArchivalStatusArchived
	assert.True(t, conv.IsArchived())

	conv.ArchivalStatus = ArchivalStatusRemoved
	assert.False(t, conv.IsArchived(), "removed is not archived")
}

func TestParseJoinConversation_SingleFromOneRecipient(t *testing.T) {
	payload := `{"conversationId":"conv-1","title":"Chat","recipients":["alice.example.com"]}`

	conv, err := ParseJoinConversation("sender.example.com", payload)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", conv.ID)
	assert.Equal(t, "Chat", conv.Title)
	require.NotNil(t, conv.Single)
	assert.Nil(t, conv.Group)
	assert.Equal(t, "alice.example.com", conv.Single.Recipient)
}

func TestParseJoinConversation_GroupFromManyRecipients(t *testing.T) {
	payload := `{"conversationId":"conv-1","recipients":["alice.example.com","bob.example.com"]}`

	conv, err := ParseJoinConversation("sender.example.com", payload)
	require.NoError(t, err)
	require.NotNil(t, conv.Group)
	assert.Nil(t, conv.Single)
	assert.Len(t, conv.Group.Recipients, 2)
}

func TestParseJoinConversation_FallsBackToSender(t *testing.T) {
	payload := `{"conversationId":"conv-1"}`

	conv, err := ParseJoinConversation("sender.example.com", payload)
	require.NoError(t, err)
	require.NotNil(t, conv.Single)
	assert.Equal(t, "sender.example.com", conv.Single.Recipient)
}

func TestParseJoinConversation_Rejects(t *testing.T) {
	_, err := ParseJoinConversation("sender", "not json")
	require.Error(t, err)

	_, err = ParseJoinConversation("sender", `{"title":"no id"}`)
	require.Error(t, err)
}

func TestParseMarkAsRead(t *testing.T) {
	payload := `{"conversationId":"conv-1","messageGlobalTransitIds":["g1","g2"]}`

	cmd, err := ParseMarkAsRead(payload)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", cmd.ConversationID)
	assert.Equal(t, []string{"g1", "g2"}, cmd.MessageGlobalTransitIDs)
}

func TestParseMarkAsRead_Rejects(t *testing.T) {
	_, err := ParseMarkAsRead("not json")
	require.Error(t, err)

	_, err = ParseMarkAsRead(`{"conversationId":"conv-1","messageGlobalTransitIds":[]}`)
	require.Error(t, err)
}
