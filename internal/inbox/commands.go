package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/drive"
	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/alexjbarnes/drive-sync/internal/state"
)

// commandClient is the subset of the drive client the command processor
// needs. *drive.Client satisfies it.
type commandClient interface {
	GetPendingCommands(ctx context.Context, target drive.TargetDrive) ([]drive.ReceivedCommand, error)
	MarkCommandsComplete(ctx context.Context, target drive.TargetDrive, commandIDs []string) error
}

// CommandProcessor drains peer-issued control commands from a drive and
// applies them to the local store. Commands are applied one at a time
// in arrival order: several commands may target the same conversation,
// and reordering them would lose updates.
type CommandProcessor struct {
	client commandClient
	store  *state.Store
	target drive.TargetDrive
	logger *slog.Logger
}

// NewCommandProcessor creates a command processor for one drive.
func NewCommandProcessor(client commandClient, store *state.Store, target drive.TargetDrive, logger *slog.Logger) *CommandProcessor {
	return &CommandProcessor{
		client: client,
		store:  store,
		target: target,
		logger: logger,
	}
}

// ProcessPending fetches the pending commands, applies them
// sequentially, and acknowledges the applied ones in a single batch.
// A command that fails transiently is left unacknowledged and will be
// redelivered on the next pass, so application must stay idempotent.
func (p *CommandProcessor) ProcessPending(ctx context.Context) error {
	commands, err := p.client.GetPendingCommands(ctx, p.target)
	if err != nil {
		return fmt.Errorf("fetching pending commands: %w", err)
	}

	if len(commands) == 0 {
		return nil
	}

	completed := make([]string, 0, len(commands))

	for _, cmd := range commands {
		if cmd.ClientCode != models.JoinConversationCode && cmd.ClientCode != models.MarkAsReadCode {
			// A newer client may recognize this code; leave it pending.
			p.logger.Debug("skipping unrecognized command",
				slog.String("command_id", cmd.ID),
				slog.Int("client_code", cmd.ClientCode),
			)

			continue
		}

		if err := p.apply(ctx, cmd); err != nil {
			p.logger.Warn("command failed, leaving pending",
				slog.String("command_id", cmd.ID),
				slog.Int("client_code", cmd.ClientCode),
				slog.String("error", err.Error()),
			)

			continue
		}

		completed = append(completed, cmd.ID)
	}

	if err := p.client.MarkCommandsComplete(ctx, p.target, completed); err != nil {
		return fmt.Errorf("acknowledging commands: %w", err)
	}

	p.logger.Info("commands processed",
		slog.Int("received", len(commands)),
		slog.Int("completed", len(completed)),
	)

	return nil
}

// apply dispatches one recognized command. Malformed payloads are
// acknowledged as no-ops: redelivering them can never succeed.
func (p *CommandProcessor) apply(ctx context.Context, cmd drive.ReceivedCommand) error {
	if cmd.ClientCode == models.JoinConversationCode {
		return p.applyJoinConversation(cmd)
	}

	return p.applyMarkAsRead(ctx, cmd)
}

// applyJoinConversation upserts a conversation record from the command
// payload. A conversation that already exists locally is success.
func (p *CommandProcessor) applyJoinConversation(cmd drive.ReceivedCommand) error {
	conv, err := models.ParseJoinConversation(cmd.Sender, cmd.ClientJSONMessage)
	if err != nil {
		p.logger.Warn("dropping malformed join-conversation command",
			slog.String("command_id", cmd.ID),
			slog.String("error", err.Error()),
		)

		return nil
	}

	existing, err := p.store.GetConversation(conv.ID)
	if err != nil {
		return fmt.Errorf("resolving conversation %s: %w", conv.ID, err)
	}

	if existing != nil {
		p.logger.Debug("conversation already exists",
			slog.String("conversation_id", conv.ID),
		)

		return nil
	}

	if err := p.store.PutConversation(conv); err != nil {
		return fmt.Errorf("storing conversation %s: %w", conv.ID, err)
	}

	p.logger.Info("joined conversation",
		slog.String("conversation_id", conv.ID),
		slog.String("sender", cmd.Sender),
	)

	return nil
}

// applyMarkAsRead marks each referenced message as read. Messages that
// cannot be resolved locally are skipped without blocking the rest of
// the command; a store write failure leaves the command pending so the
// failed messages get another pass.
func (p *CommandProcessor) applyMarkAsRead(_ context.Context, cmd drive.ReceivedCommand) error {
	payload, err := models.ParseMarkAsRead(cmd.ClientJSONMessage)
	if err != nil {
		p.logger.Warn("dropping malformed mark-as-read command",
			slog.String("command_id", cmd.ID),
			slog.String("error", err.Error()),
		)

		return nil
	}

	var writeFailures int

	for _, gtid := range payload.MessageGlobalTransitIDs {
		msg, err := p.store.GetMessageByGlobalTransitID(gtid)
		if err != nil {
			writeFailures++
			p.logger.Warn("resolving message for mark-as-read",
				slog.String("global_transit_id", gtid),
				slog.String("error", err.Error()),
			)

			continue
		}

		if msg == nil {
			p.logger.Debug("mark-as-read for unknown message",
				slog.String("global_transit_id", gtid),
				slog.String("conversation_id", payload.ConversationID),
			)

			continue
		}

		if msg.DeliveryStatus == models.DeliveryStatusRead {
			continue
		}

		msg.DeliveryStatus = models.DeliveryStatusRead
		msg.Updated = time.Now().UnixMilli()

		if err := p.store.PutMessage(msg); err != nil {
			writeFailures++
			p.logger.Warn("updating message delivery status",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if writeFailures > 0 {
		return fmt.Errorf("%d of %d messages not updated", writeFailures, len(payload.MessageGlobalTransitIDs))
	}

	return nil
}
