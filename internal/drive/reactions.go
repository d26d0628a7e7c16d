package drive

import (
	"context"
)

// Reaction is one identity's emoji reaction on a file.
type Reaction struct {
	OdinID          string `json:"odinId"`
	ReactionContent string `json:"reactionContent"`
	Created         int64  `json:"created"`
}

// ReactionRequest targets a local file with a reaction payload.
type ReactionRequest struct {
	Reaction string         `json:"reaction"`
	File     FileIdentifier `json:"file"`
}

// ListReactionsRequest pages through a file's reactions.
type ListReactionsRequest struct {
	File       FileIdentifier `json:"file"`
	Cursor     CursorState    `json:"cursor,omitempty"`
	MaxRecords int            `json:"maxRecords,omitempty"`
}

// ListReactionsResponse is one page of reactions.
type ListReactionsResponse struct {
	Reactions []Reaction  `json:"reactions"`
	Cursor    CursorState `json:"cursor"`
}

// GroupReactionRequest targets a peer-hosted file, addressed by its
// globalTransitId, on behalf of a set of recipients.
type GroupReactionRequest struct {
	Recipients []string                      `json:"recipients"`
	Reaction   string                        `json:"reaction"`
	File       GlobalTransitIDFileIdentifier `json:"file"`
}

// GroupReactionResponse carries the per-recipient delivery outcome.
type GroupReactionResponse struct {
	RecipientStatus map[string]string `json:"recipientStatus,omitempty"`
}

// AddReaction attaches a reaction to a local file.
func (c *Client) AddReaction(ctx context.Context, req ReactionRequest) error {
	return c.postJSON(ctx, "/drive/files/reactions/add", req, nil)
}

// DeleteReaction removes this identity's reaction from a local file.
func (c *Client) DeleteReaction(ctx context.Context, req ReactionRequest) error {
	return c.postJSON(ctx, "/drive/files/reactions/delete", req, nil)
}

// ListReactions pages through the reactions on a local file.
func (c *Client) ListReactions(ctx context.Context, req ListReactionsRequest) (*ListReactionsResponse, error) {
	var result ListReactionsResponse
	if err := c.postJSON(ctx, "/drive/files/reactions/list", req, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// AddGroupReaction sends a reaction to a peer-hosted group file.
func (c *Client) AddGroupReaction(ctx context.Context, req GroupReactionRequest) (*GroupReactionResponse, error) {
	var result GroupReactionResponse
	if err := c.postJSON(ctx, "/transit/reactions/group-add", req, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// DeleteGroupReaction retracts a reaction from a peer-hosted group file.
func (c *Client) DeleteGroupReaction(ctx context.Context, req GroupReactionRequest) (*GroupReactionResponse, error) {
	var result GroupReactionResponse
	if err := c.postJSON(ctx, "/transit/reactions/group-delete", req, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// ListGroupReactions pages through reactions on a peer-hosted file.
func (c *Client) ListGroupReactions(ctx context.Context, file GlobalTransitIDFileIdentifier, cursor CursorState, maxRecords int) (*ListReactionsResponse, error) {
	req := struct {
		File       GlobalTransitIDFileIdentifier `json:"file"`
		Cursor     CursorState                   `json:"cursor,omitempty"`
		MaxRecords int                           `json:"maxRecords,omitempty"`
	}{File: file, Cursor: cursor, MaxRecords: maxRecords}

	var result ListReactionsResponse
	if err := c.postJSON(ctx, "/transit/reactions/list", req, &result); err != nil {
		return nil, err
	}

	return &result, nil
}
