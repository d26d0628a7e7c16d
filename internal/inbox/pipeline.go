// Package inbox implements the synchronization pipeline: drain the
// server-held backlog of peer deliveries, then consume the live
// notification stream, then apply pending peer commands. The ordering
// is load-bearing: trusting the live feed before the backlog is empty
// would apply messages out of order, and commands may arrive inside
// the backlog itself.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/drive"
)

// DefaultDrainBatchSize bounds one backlog processing call.
const DefaultDrainBatchSize = 50

// inboxClient is the subset of the drive client the pipeline needs.
// *drive.Client satisfies it.
type inboxClient interface {
	ProcessInbox(ctx context.Context, target drive.TargetDrive, batchSize int) (*drive.ProcessInboxResponse, error)
}

// Pipeline sequences backlog draining, command processing, and the
// live notification stream for one drive.
type Pipeline struct {
	client    inboxClient
	commands  *CommandProcessor
	live      *Reconciler
	target    drive.TargetDrive
	batchSize int
	logger    *slog.Logger

	mu      sync.Mutex
	drained bool
}

// NewPipeline creates a pipeline without a live reconciler attached.
// batchSize <= 0 selects the default.
func NewPipeline(client inboxClient, commands *CommandProcessor, target drive.TargetDrive, batchSize int, logger *slog.Logger) *Pipeline {
	if batchSize <= 0 {
		batchSize = DefaultDrainBatchSize
	}

	return &Pipeline{
		client:    client,
		commands:  commands,
		target:    target,
		batchSize: batchSize,
		logger:    logger,
	}
}

// AttachReconciler builds the live reconciler for this pipeline and
// wires its catch-up hook to CatchUp, so reconnects and inbox signals
// re-drain the backlog before new file events are trusted.
func (p *Pipeline) AttachReconciler(cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	cfg.OnCatchUp = p.CatchUp
	p.live = NewReconciler(cfg, logger)

	return p.live
}

// Drained reports whether at least one full backlog drain has
// succeeded. Command processing is gated on it.
func (p *Pipeline) Drained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.drained
}

// DrainInbox pulls and applies backlog batches until the server
// reports the backlog empty. Any failure leaves the drain incomplete;
// the caller retries on the next trigger.
func (p *Pipeline) DrainInbox(ctx context.Context) error {
	for {
		resp, err := p.client.ProcessInbox(ctx, p.target, p.batchSize)
		if err != nil {
			return err
		}

		p.logger.Debug("inbox batch processed",
			slog.Int("processed", resp.ProcessedCount),
			slog.Int("remaining", resp.RemainingCount),
		)

		if resp.RemainingCount <= 0 {
			break
		}
	}

	p.mu.Lock()
	p.drained = true
	p.mu.Unlock()

	return nil
}

// CatchUp drains the backlog and then processes pending commands. The
// command pass never runs when the drain fails: the backlog may hold
// commands that must be applied in arrival order.
func (p *Pipeline) CatchUp(ctx context.Context) error {
	if err := p.DrainInbox(ctx); err != nil {
		return fmt.Errorf("draining inbox: %w", err)
	}

	if err := p.commands.ProcessPending(ctx); err != nil {
		return fmt.Errorf("processing commands: %w", err)
	}

	return nil
}

// Run executes the pipeline: an initial catch-up, then the live
// notification loop until the context is cancelled. The live stream
// never engages when the initial drain fails.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.CatchUp(ctx); err != nil {
		return err
	}

	if p.live == nil {
		return nil
	}

	backoff := reconnectMin

	for {
		err := p.live.Connect(ctx)
		if err == nil {
			break
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.logger.Warn("initial notify connect failed",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, reconnectMax)
	}

	return p.live.Listen(ctx)
}
