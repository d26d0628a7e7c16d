package drive

import (
	"context"
	"fmt"
)

// processInboxRequest asks the server to apply a bounded batch of
// backlog deliveries for one drive.
type processInboxRequest struct {
	TargetDrive TargetDrive `json:"targetDrive"`
	BatchSize   int         `json:"batchSize"`
}

// ProcessInboxResponse reports one drain step. RemainingCount drives
// the drain loop: the backlog is empty once it reaches zero.
type ProcessInboxResponse struct {
	ProcessedCount int `json:"processedCount"`
	RemainingCount int `json:"remainingCount"`
}

// ProcessInbox applies up to batchSize queued peer deliveries for the
// drive and reports how many remain.
func (c *Client) ProcessInbox(ctx context.Context, drive TargetDrive, batchSize int) (*ProcessInboxResponse, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	req := processInboxRequest{TargetDrive: drive, BatchSize: batchSize}

	var resp ProcessInboxResponse
	if err := c.postJSON(ctx, "/transit/inbox/processor/process", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// receivedCommandList wraps the unprocessed-commands response.
type receivedCommandList struct {
	ReceivedCommands []ReceivedCommand `json:"receivedCommands"`
}

// GetPendingCommands fetches the durable commands delivered to this
// identity for the drive that have not yet been acknowledged.
func (c *Client) GetPendingCommands(ctx context.Context, drive TargetDrive) ([]ReceivedCommand, error) {
	req := struct {
		TargetDrive TargetDrive `json:"targetDrive"`
	}{TargetDrive: drive}

	var resp receivedCommandList
	if err := c.postJSON(ctx, "/drive/commands/unprocessed", req, &resp); err != nil {
		return nil, err
	}

	return resp.ReceivedCommands, nil
}

// MarkCommandsComplete acknowledges a batch of applied command ids.
// Commands not acknowledged here are redelivered on the next fetch;
// consumers must therefore be idempotent.
func (c *Client) MarkCommandsComplete(ctx context.Context, drive TargetDrive, commandIDs []string) error {
	if len(commandIDs) == 0 {
		return nil
	}

	req := struct {
		TargetDrive   TargetDrive `json:"targetDrive"`
		CommandIDList []string    `json:"commandIdList"`
	}{TargetDrive: drive, CommandIDList: commandIDs}

	return c.postJSON(ctx, "/drive/commands/markcompleted", req, nil)
}
