package drive

import (
	"context"
	"errors"
)

// DeleteFileRequest names one file to delete, with optional peer
// recipients that should delete their copies too.
type DeleteFileRequest struct {
	File       FileIdentifier `json:"file"`
	Recipients []string       `json:"recipients,omitempty"`
}

// DeleteFileResult is the per-file outcome of a delete call.
type DeleteFileResult struct {
	LocalFileDeleted bool              `json:"localFileDeleted"`
	RecipientStatus  map[string]string `json:"recipientStatus,omitempty"`
}

// DeleteGroupIDRequest deletes every file in a logical group on a drive.
type DeleteGroupIDRequest struct {
	TargetDrive TargetDrive `json:"targetDrive"`
	GroupID     string      `json:"groupId"`
	Recipients  []string    `json:"recipients,omitempty"`
}

// deleteBatchRequest wraps the batch endpoints' request lists.
type deleteFileIDBatchRequest struct {
	Requests []DeleteFileRequest `json:"requests"`
}

type deleteGroupIDBatchRequest struct {
	Requests []DeleteGroupIDRequest `json:"requests"`
}

// DeleteBatchResult lists per-entry outcomes of a batch delete.
type DeleteBatchResult struct {
	Results []DeleteFileResult `json:"results"`
}

// DeleteFile soft-deletes a file: the header remains with a deleted
// fileState so peers observe the removal. A 404 means the file is
// already gone and resolves to a success with LocalFileDeleted false.
func (c *Client) DeleteFile(ctx context.Context, req DeleteFileRequest) (*DeleteFileResult, error) {
	var result DeleteFileResult
	if err := c.postJSON(ctx, "/drive/files/delete", req, &result); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &DeleteFileResult{}, nil
		}

		return nil, err
	}

	return &result, nil
}

// HardDeleteFile removes a file and its header entirely.
func (c *Client) HardDeleteFile(ctx context.Context, req DeleteFileRequest) (*DeleteFileResult, error) {
	var result DeleteFileResult
	if err := c.postJSON(ctx, "/drive/files/harddelete", req, &result); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &DeleteFileResult{}, nil
		}

		return nil, err
	}

	return &result, nil
}

// DeleteFilesByID soft-deletes a batch of files in one call.
func (c *Client) DeleteFilesByID(ctx context.Context, requests []DeleteFileRequest) (*DeleteBatchResult, error) {
	var result DeleteBatchResult
	if err := c.postJSON(ctx, "/drive/files/deletefileidbatch", deleteFileIDBatchRequest{Requests: requests}, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// DeleteFilesByGroupID soft-deletes whole logical groups in one call.
func (c *Client) DeleteFilesByGroupID(ctx context.Context, requests []DeleteGroupIDRequest) (*DeleteBatchResult, error) {
	var result DeleteBatchResult
	if err := c.postJSON(ctx, "/drive/files/deletegroupidbatch", deleteGroupIDBatchRequest{Requests: requests}, &result); err != nil {
		return nil, err
	}

	return &result, nil
}
