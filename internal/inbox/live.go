package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/drive-sync/internal/drive"
	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/alexjbarnes/drive-sync/internal/state"
)

const (
	pingAfter       = 10 * time.Second
	disconnectAfter = 120 * time.Second
	heartbeatEvery  = 20 * time.Second

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// wsReadLimit bounds a single notification frame. Notifications
	// carry file headers, never payload content, so 4MB is generous.
	wsReadLimit = 4 * 1024 * 1024

	// inboundChanSize buffers messages between the reader goroutine
	// and the event loop.
	inboundChanSize = 64

	// jitterDivisor controls reconnect jitter: uniform in
	// [0, backoff/jitterDivisor).
	jitterDivisor = 2
)

// Notification types sent by the server over the notify socket.
const (
	notifyHandshakeSuccess = "deviceHandshakeSuccess"
	notifyPong             = "pong"
	notifyFileAdded        = "fileAdded"
	notifyFileModified     = "fileModified"
	notifyFileDeleted      = "fileDeleted"
	notifyInboxItem        = "inboxItemReceived"
)

// wsConn abstracts the WebSocket connection so the reconciler can be
// tested without a real server. *websocket.Conn satisfies it.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// inboundMsg wraps one frame read by the reader goroutine.
type inboundMsg struct {
	data []byte
	err  error
}

// establishConnectionRequest is the post-dial subscription message.
type establishConnectionRequest struct {
	Drives    []drive.TargetDrive `json:"drives"`
	WaitTime  int                 `json:"waitTimeMs"`
	BatchSize int                 `json:"batchSize"`
}

// clientNotification is a decoded server push.
type clientNotification struct {
	NotificationType string            `json:"notificationType"`
	TargetDrive      drive.TargetDrive `json:"targetDrive"`
	Header           *drive.FileHeader `json:"header,omitempty"`
}

// ReconcilerConfig holds the parameters for a live reconciler.
type ReconcilerConfig struct {
	Host      string
	AuthToken string
	Target    drive.TargetDrive
	Fetcher   *drive.FileFetcher
	Store     *state.Store

	// ExtraDrives are additional drives included in the notify
	// subscription besides Target. Their events keep the connection's
	// delivery cursor moving but only Target's files are reconciled.
	ExtraDrives []drive.TargetDrive

	// OnCatchUp runs after every successful handshake and whenever the
	// server signals new inbox items, so backlog draining keeps pace
	// with the live feed.
	OnCatchUp func(ctx context.Context) error

	// OnConversationChanged invalidates the caller's cached view of a
	// conversation after its messages changed.
	OnConversationChanged func(conversationID string)

	// OnOrphan reports a message whose conversation cannot be resolved
	// even after fetching. Orphans are never silently dropped.
	OnOrphan func(conversationID, fileID string)
}

// Reconciler consumes the push notification stream for one drive and
// keeps the local store consistent with it.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Listen) processes inbound notifications
// and heartbeat ticks. All writes to the connection happen from the
// event loop.
type Reconciler struct {
	conn   wsConn
	logger *slog.Logger

	host      string
	authToken string
	target    drive.TargetDrive
	drives    []drive.TargetDrive
	fetcher   *drive.FileFetcher
	store     *state.Store

	onCatchUp             func(ctx context.Context) error
	onConversationChanged func(conversationID string)
	onOrphan              func(conversationID, fileID string)

	inboundCh chan inboundMsg

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// connCancel stops the reader goroutine of the previous connection
	// before a reconnect.
	connCancel context.CancelFunc

	connected   bool
	connectedMu sync.RWMutex
}

// NewReconciler creates a live reconciler from the given config.
func NewReconciler(cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	drives := []drive.TargetDrive{cfg.Target}

	for _, d := range cfg.ExtraDrives {
		if !d.Equal(cfg.Target) {
			drives = append(drives, d)
		}
	}

	return &Reconciler{
		logger:                logger,
		host:                  cfg.Host,
		authToken:             cfg.AuthToken,
		target:                cfg.Target,
		drives:                drives,
		fetcher:               cfg.Fetcher,
		store:                 cfg.Store,
		onCatchUp:             cfg.OnCatchUp,
		onConversationChanged: cfg.OnConversationChanged,
		onOrphan:              cfg.OnOrphan,
	}
}

// Connected reports whether the notify socket is live.
func (r *Reconciler) Connected() bool {
	r.connectedMu.RLock()
	defer r.connectedMu.RUnlock()

	return r.connected
}

func (r *Reconciler) setConnected(v bool) {
	r.connectedMu.Lock()
	r.connected = v
	r.connectedMu.Unlock()
}

func (r *Reconciler) touchLastMessage() {
	r.lastMsgMu.Lock()
	r.lastMessage = time.Now()
	r.lastMsgMu.Unlock()
}

func (r *Reconciler) sinceLastMessage() time.Duration {
	r.lastMsgMu.Lock()
	defer r.lastMsgMu.Unlock()

	return time.Since(r.lastMessage)
}

// Connect dials the notify socket and subscribes to the drive.
func (r *Reconciler) Connect(ctx context.Context) error {
	if r.connCancel != nil {
		r.connCancel()
	}

	url := "wss://" + r.host + "/api/apps/v1/notify/ws"
	r.logger.Debug("connecting notify socket", slog.String("url", url))

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + r.authToken},
		},
	})
	if err != nil {
		return fmt.Errorf("dialing notify socket: %w", err)
	}

	return r.handshake(ctx, conn)
}

// handshake sends the subscription request and waits for the server's
// handshake confirmation. Extracted from Connect so it can be tested
// with a mock wsConn.
func (r *Reconciler) handshake(ctx context.Context, conn wsConn) error {
	r.conn = conn
	r.conn.SetReadLimit(wsReadLimit)
	r.touchLastMessage()

	req := establishConnectionRequest{
		Drives:    r.drives,
		WaitTime:  100,
		BatchSize: 1,
	}

	if err := r.writeJSON(ctx, req); err != nil {
		r.conn.Close(websocket.StatusInternalError, "subscribe failed")
		return fmt.Errorf("sending subscription: %w", err)
	}

	// The confirmation is read directly; the reader goroutine starts
	// only after the handshake completes.
	for {
		_, data, err := r.conn.Read(ctx)
		if err != nil {
			r.conn.Close(websocket.StatusInternalError, "handshake read failed")
			return fmt.Errorf("reading handshake response: %w", err)
		}

		r.touchLastMessage()

		typ := gjson.GetBytes(data, "notificationType").String()
		if typ == notifyHandshakeSuccess {
			break
		}

		r.logger.Debug("unexpected message before handshake", slog.String("type", typ))
	}

	r.setConnected(true)
	r.logger.Info("notify socket subscribed",
		slog.String("drive", r.target.String()),
	)

	return nil
}

// startReader launches a goroutine feeding inboundCh from the socket.
// The channel and conn are captured by value so a stale reader from a
// previous connection can never write into the new channel.
func (r *Reconciler) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	r.inboundCh = ch
	conn := r.conn

	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen is the event loop with automatic reconnection. It returns only
// on context cancellation.
func (r *Reconciler) Listen(ctx context.Context) error {
	backoff := reconnectMin

	connCtx, connCancel := context.WithCancel(ctx)
	r.connCancel = connCancel
	r.startReader(connCtx)

	for {
		err := r.eventLoop(ctx)
		if err == nil {
			return nil
		}

		r.setConnected(false)
		connCancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Warn("notify socket lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: jitter needs no cryptographic randomness

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := r.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			r.logger.Warn("reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*2, reconnectMax)

			continue
		}

		connCtx, connCancel = context.WithCancel(ctx)
		r.connCancel = connCancel
		r.startReader(connCtx)

		backoff = reconnectMin

		r.logger.Info("notify socket reconnected")

		// A reconnect may have missed pushes; re-drain the backlog.
		r.catchUp(ctx)
	}
}

func (r *Reconciler) catchUp(ctx context.Context) {
	if r.onCatchUp == nil {
		return
	}

	if err := r.onCatchUp(ctx); err != nil {
		r.logger.Warn("catch-up after notify trigger failed",
			slog.String("error", err.Error()),
		)
	}
}

// eventLoop processes inbound notifications and heartbeat ticks for one
// connection. Returns on read error or context cancellation.
func (r *Reconciler) eventLoop(ctx context.Context) error {
	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			r.conn.Close(websocket.StatusNormalClosure, "shutting down")
			return nil

		case <-heartbeat.C:
			idle := r.sinceLastMessage()
			if idle > disconnectAfter {
				return fmt.Errorf("no server message for %s", idle.Round(time.Second))
			}

			if idle > pingAfter {
				if err := r.writeJSON(ctx, map[string]string{"command": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case msg := <-r.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading notification: %w", msg.err)
			}

			r.touchLastMessage()
			r.handleNotification(ctx, msg.data)
		}
	}
}

// handleNotification dispatches one server push. Unparseable frames are
// logged and dropped; they carry no state the client depends on.
func (r *Reconciler) handleNotification(ctx context.Context, data []byte) {
	typ := gjson.GetBytes(data, "notificationType").String()

	switch typ {
	case notifyPong, notifyHandshakeSuccess:
		return

	case notifyInboxItem:
		// New peer deliveries are waiting server-side; drain before the
		// corresponding file events can be trusted.
		r.catchUp(ctx)

	case notifyFileAdded, notifyFileModified:
		var n clientNotification
		if err := json.Unmarshal(data, &n); err != nil {
			r.logger.Warn("undecodable file notification", slog.String("error", err.Error()))
			return
		}

		if !n.TargetDrive.Equal(r.target) || n.Header == nil {
			return
		}

		if err := r.reconcileFile(ctx, n.Header.FileID); err != nil {
			r.logger.Warn("reconciling file notification",
				slog.String("file_id", n.Header.FileID),
				slog.String("error", err.Error()),
			)
		}

	case notifyFileDeleted:
		var n clientNotification
		if err := json.Unmarshal(data, &n); err != nil {
			r.logger.Warn("undecodable delete notification", slog.String("error", err.Error()))
			return
		}

		if !n.TargetDrive.Equal(r.target) || n.Header == nil {
			return
		}

		r.reconcileDeletion(n.Header)

	default:
		r.logger.Debug("ignoring notification", slog.String("type", typ))
	}
}

// reconcileFile refreshes the local copy of one changed file. The
// notification header may be encrypted, so the canonical decrypted
// header is fetched through the file fetcher.
func (r *Reconciler) reconcileFile(ctx context.Context, fileID string) error {
	header, err := r.fetcher.GetFileHeader(ctx, r.target, fileID, true)
	if err != nil {
		return fmt.Errorf("fetching header: %w", err)
	}

	if header == nil {
		// Deleted between the notification and the fetch.
		r.logger.Debug("notified file no longer exists", slog.String("file_id", fileID))
		return nil
	}

	msg, err := messageFromHeader(header)
	if err != nil {
		return err
	}

	conversationID := msg.ConversationID
	if conversationID == "" {
		return fmt.Errorf("file %s carries no conversation group", fileID)
	}

	conv, err := r.resolveConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	if conv == nil {
		r.logger.Warn("orphaned message: conversation unresolved",
			slog.String("conversation_id", conversationID),
			slog.String("file_id", fileID),
		)

		if r.onOrphan != nil {
			r.onOrphan(conversationID, fileID)
		}
	} else if conv.IsArchived() {
		// New activity restores an archived conversation.
		if err := r.store.SetConversationArchivalStatus(conv.ID, models.ArchivalStatusNone); err != nil {
			return fmt.Errorf("restoring archived conversation %s: %w", conv.ID, err)
		}

		r.logger.Info("restored archived conversation", slog.String("conversation_id", conv.ID))
	}

	if err := r.store.PutMessage(msg); err != nil {
		return fmt.Errorf("storing message %s: %w", msg.ID, err)
	}

	if r.onConversationChanged != nil {
		r.onConversationChanged(conversationID)
	}

	return nil
}

// resolveConversation looks up a conversation locally and falls back to
// fetching its definition file from the drive by unique id. Returns nil
// when the conversation cannot be resolved anywhere.
func (r *Reconciler) resolveConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conv, err := r.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("reading conversation %s: %w", conversationID, err)
	}

	if conv != nil {
		return conv, nil
	}

	header, err := r.fetcher.GetFileHeaderByUniqueID(ctx, r.target, conversationID, true)
	if err != nil {
		return nil, fmt.Errorf("fetching conversation %s: %w", conversationID, err)
	}

	if header == nil {
		return nil, nil
	}

	conv = &models.Conversation{}
	if err := json.Unmarshal([]byte(header.FileMetadata.AppData.Content), conv); err != nil {
		return nil, fmt.Errorf("decoding conversation %s: %w", conversationID, err)
	}

	conv.FileID = header.FileID
	conv.VersionTag = header.FileMetadata.VersionTag

	if err := r.store.PutConversation(conv); err != nil {
		return nil, fmt.Errorf("storing conversation %s: %w", conversationID, err)
	}

	return conv, nil
}

// reconcileDeletion removes the message backing a deleted file.
func (r *Reconciler) reconcileDeletion(header *drive.FileHeader) {
	messageID := header.FileMetadata.AppData.UniqueID
	if messageID == "" {
		return
	}

	if err := r.store.DeleteMessage(messageID); err != nil {
		r.logger.Warn("removing deleted message",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)

		return
	}

	if r.onConversationChanged != nil && header.FileMetadata.AppData.GroupID != "" {
		r.onConversationChanged(header.FileMetadata.AppData.GroupID)
	}
}

// messageFromHeader builds the stored message from a decrypted file
// header. The message body lives in the header's content field; the
// drive-level identifiers are folded in alongside it.
func messageFromHeader(header *drive.FileHeader) (*models.ChatMessage, error) {
	msg := &models.ChatMessage{}
	if content := header.FileMetadata.AppData.Content; content != "" {
		if err := json.Unmarshal([]byte(content), msg); err != nil {
			return nil, fmt.Errorf("decoding message content of %s: %w", header.FileID, err)
		}
	}

	if msg.ID == "" {
		msg.ID = header.FileMetadata.AppData.UniqueID
	}

	if msg.ID == "" {
		return nil, fmt.Errorf("file %s carries no message id", header.FileID)
	}

	msg.ConversationID = header.FileMetadata.AppData.GroupID
	msg.GlobalTransitID = header.FileMetadata.GlobalTransitID
	msg.FileID = header.FileID
	msg.VersionTag = header.FileMetadata.VersionTag

	if msg.Sender == "" {
		msg.Sender = header.FileMetadata.SenderOdinID
	}

	if msg.Created == 0 {
		msg.Created = header.FileMetadata.Created
	}

	msg.Updated = header.FileMetadata.Updated

	return msg, nil
}

func (r *Reconciler) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	return r.conn.Write(ctx, websocket.MessageText, data)
}
