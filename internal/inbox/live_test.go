package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/drive-sync/internal/drive"
	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/alexjbarnes/drive-sync/internal/state"
)

// fakeConn scripts the socket side of a handshake.
type fakeConn struct {
	reads chan inboundMsg

	mu        sync.Mutex
	writes    [][]byte
	closed    bool
	readLimit int64
}

func newFakeConn(frames ...inboundMsg) *fakeConn {
	c := &fakeConn{reads: make(chan inboundMsg, len(frames)+1)}
	for _, f := range frames {
		c.reads <- f
	}

	return c
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case msg := <-c.reads:
		return websocket.MessageText, msg.data, msg.err
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writes = append(c.writes, p)

	return nil
}

func (c *fakeConn) Close(_ websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	return nil
}

func (c *fakeConn) SetReadLimit(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.readLimit = n
}

// fakeDriveServer serves file headers by either addressing mode.
type fakeDriveServer struct {
	byFileID   map[string]*drive.FileHeader
	byUniqueID map[string]*drive.FileHeader
	requests   atomic.Int32
}

func (s *fakeDriveServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)

		var header *drive.FileHeader

		switch r.URL.Path {
		case "/drive/files/header":
			header = s.byFileID[r.URL.Query().Get("fileId")]
		case "/drive/query/specialized/cuid/header":
			header = s.byUniqueID[r.URL.Query().Get("uniqueId")]
		}

		if header == nil {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(header)
	}
}

func testFetcher(t *testing.T, srv *fakeDriveServer) *drive.FileFetcher {
	t.Helper()

	server := httptest.NewServer(srv.handler())
	t.Cleanup(server.Close)

	secret := sha256.Sum256([]byte("live-test-secret"))

	client, err := drive.NewClient(server.URL, secret[:16], nil, testLogger())
	require.NoError(t, err)

	fetcher, err := drive.NewFileFetcher(client)
	require.NoError(t, err)

	return fetcher
}

func testReconciler(t *testing.T, srv *fakeDriveServer, store *state.Store, cfg ReconcilerConfig) *Reconciler {
	t.Helper()

	cfg.Target = testDrive()
	cfg.Store = store

	if srv != nil {
		cfg.Fetcher = testFetcher(t, srv)
	}

	return NewReconciler(cfg, testLogger())
}

func messageHeader(fileID, messageID, conversationID, text string) *drive.FileHeader {
	content, _ := json.Marshal(models.ChatMessage{
		ID:             messageID,
		Text:           text,
		Sender:         "alice.example.com",
		DeliveryStatus: models.DeliveryStatusDelivered,
		Created:        1700000000000,
	})

	h := &drive.FileHeader{FileID: fileID}
	h.FileMetadata.GlobalTransitID = "gtid-" + messageID
	h.FileMetadata.VersionTag = "v1"
	h.FileMetadata.AppData.UniqueID = messageID
	h.FileMetadata.AppData.GroupID = conversationID
	h.FileMetadata.AppData.Content = string(content)

	return h
}

func notificationJSON(t *testing.T, typ string, target drive.TargetDrive, header *drive.FileHeader) []byte {
	t.Helper()

	data, err := json.Marshal(clientNotification{
		NotificationType: typ,
		TargetDrive:      target,
		Header:           header,
	})
	require.NoError(t, err)

	return data
}

func TestHandshake_SubscribesAndConfirms(t *testing.T) {
	conn := newFakeConn(inboundMsg{data: []byte(`{"notificationType":"deviceHandshakeSuccess"}`)})

	r := testReconciler(t, nil, testStore(t), ReconcilerConfig{})
	require.NoError(t, r.handshake(context.Background(), conn))

	assert.True(t, r.Connected())
	assert.Equal(t, int64(wsReadLimit), conn.readLimit)

	require.Len(t, conn.writes, 1)
	sub := conn.writes[0]
	assert.Equal(t, testDrive().Alias, gjson.GetBytes(sub, "drives.0.alias").String())
	assert.Equal(t, testDrive().Type, gjson.GetBytes(sub, "drives.0.type").String())
	assert.Equal(t, int64(100), gjson.GetBytes(sub, "waitTimeMs").Int())
	assert.Equal(t, int64(1), gjson.GetBytes(sub, "batchSize").Int())
}

func TestHandshake_SubscribesExtraDrives(t *testing.T) {
	conn := newFakeConn(inboundMsg{data: []byte(`{"notificationType":"deviceHandshakeSuccess"}`)})

	photos := drive.TargetDrive{Alias: "6483b7b1f71bd43eb6896c86148e0772", Type: "2af68fe72fb84896f39f97c59d60813a"}

	r := testReconciler(t, nil, testStore(t), ReconcilerConfig{
		// The chat drive listed again must not subscribe twice.
		ExtraDrives: []drive.TargetDrive{photos, testDrive()},
	})
	require.NoError(t, r.handshake(context.Background(), conn))

	require.Len(t, conn.writes, 1)
	sub := conn.writes[0]
	require.Equal(t, int64(2), gjson.GetBytes(sub, "drives.#").Int())
	assert.Equal(t, testDrive().Alias, gjson.GetBytes(sub, "drives.0.alias").String())
	assert.Equal(t, photos.Alias, gjson.GetBytes(sub, "drives.1.alias").String())
}

func TestHandshake_SkipsUnrelatedFramesBeforeConfirmation(t *testing.T) {
	conn := newFakeConn(
		inboundMsg{data: []byte(`{"notificationType":"pong"}`)},
		inboundMsg{data: []byte(`{"notificationType":"deviceHandshakeSuccess"}`)},
	)

	r := testReconciler(t, nil, testStore(t), ReconcilerConfig{})
	require.NoError(t, r.handshake(context.Background(), conn))
	assert.True(t, r.Connected())
}

func TestHandshake_ReadErrorFails(t *testing.T) {
	conn := newFakeConn(inboundMsg{err: errors.New("connection reset")})

	r := testReconciler(t, nil, testStore(t), ReconcilerConfig{})
	require.Error(t, r.handshake(context.Background(), conn))

	assert.False(t, r.Connected())
	assert.True(t, conn.closed)
}

func TestHandleNotification_FileAddedStoresMessage(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.PutConversation(&models.Conversation{
		ID:     "conv-1",
		Single: &models.SingleConversation{Recipient: "alice.example.com"},
	}))

	header := messageHeader("file-1", "msg-1", "conv-1", "hello")
	srv := &fakeDriveServer{byFileID: map[string]*drive.FileHeader{"file-1": header}}

	var changed []string

	r := testReconciler(t, srv, store, ReconcilerConfig{
		OnConversationChanged: func(id string) { changed = append(changed, id) },
	})
	r.handleNotification(context.Background(), notificationJSON(t, notifyFileAdded, testDrive(), header))

	msg, err := store.GetMessage("msg-1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "conv-1", msg.ConversationID)
	assert.Equal(t, "gtid-msg-1", msg.GlobalTransitID)
	assert.Equal(t, "file-1", msg.FileID)
	assert.Equal(t, "v1", msg.VersionTag)

	assert.Equal(t, []string{"conv-1"}, changed)
}

func TestHandleNotification_IgnoresOtherDrives(t *testing.T) {
	srv := &fakeDriveServer{}
	r := testReconciler(t, srv, testStore(t), ReconcilerConfig{})

	other := drive.TargetDrive{Alias: "deadbeef", Type: "feedface"}
	header := messageHeader("file-1", "msg-1", "conv-1", "hello")
	r.handleNotification(context.Background(), notificationJSON(t, notifyFileAdded, other, header))

	assert.Zero(t, srv.requests.Load(), "a foreign drive's event must not trigger a fetch")
}

func TestReconcileFile_RestoresArchivedConversation(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.PutConversation(&models.Conversation{
		ID:             "conv-1",
		ArchivalStatus: models.ArchivalStatusArchived,
		Single:         &models.SingleConversation{Recipient: "alice.example.com"},
	}))

	header := messageHeader("file-1", "msg-1", "conv-1", "hello")
	srv := &fakeDriveServer{byFileID: map[string]*drive.FileHeader{"file-1": header}}

	r := testReconciler(t, srv, store, ReconcilerConfig{})
	require.NoError(t, r.reconcileFile(context.Background(), "file-1"))

	conv, err := store.GetConversation("conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.ArchivalStatusNone, conv.ArchivalStatus)
}

func TestReconcileFile_ResolvesConversationFromDrive(t *testing.T) {
	convContent, err := json.Marshal(models.Conversation{
		ID:     "conv-1",
		Title:  "Chat",
		Single: &models.SingleConversation{Recipient: "alice.example.com"},
	})
	require.NoError(t, err)

	convHeader := &drive.FileHeader{FileID: "conv-file-1"}
	convHeader.FileMetadata.VersionTag = "cv1"
	convHeader.FileMetadata.AppData.UniqueID = "conv-1"
	convHeader.FileMetadata.AppData.Content = string(convContent)

	msgHeader := messageHeader("file-1", "msg-1", "conv-1", "hello")
	srv := &fakeDriveServer{
		byFileID:   map[string]*drive.FileHeader{"file-1": msgHeader},
		byUniqueID: map[string]*drive.FileHeader{"conv-1": convHeader},
	}

	store := testStore(t)
	r := testReconciler(t, srv, store, ReconcilerConfig{})
	require.NoError(t, r.reconcileFile(context.Background(), "file-1"))

	conv, err := store.GetConversation("conv-1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "Chat", conv.Title)
	assert.Equal(t, "conv-file-1", conv.FileID)
	assert.Equal(t, "cv1", conv.VersionTag)
}

func TestReconcileFile_OrphanStillStoresMessage(t *testing.T) {
	header := messageHeader("file-1", "msg-1", "conv-missing", "hello")
	srv := &fakeDriveServer{byFileID: map[string]*drive.FileHeader{"file-1": header}}

	var orphanConv, orphanFile string

	store := testStore(t)
	r := testReconciler(t, srv, store, ReconcilerConfig{
		OnOrphan: func(conversationID, fileID string) {
			orphanConv, orphanFile = conversationID, fileID
		},
	})
	require.NoError(t, r.reconcileFile(context.Background(), "file-1"))

	assert.Equal(t, "conv-missing", orphanConv)
	assert.Equal(t, "file-1", orphanFile)

	msg, err := store.GetMessage("msg-1")
	require.NoError(t, err)
	require.NotNil(t, msg, "orphans are kept, not dropped")
}

func TestReconcileFile_MissingFileIsNoOp(t *testing.T) {
	srv := &fakeDriveServer{}
	r := testReconciler(t, srv, testStore(t), ReconcilerConfig{})

	require.NoError(t, r.reconcileFile(context.Background(), "file-gone"))
}

func TestHandleNotification_FileDeletedRemovesMessage(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.PutMessage(&models.ChatMessage{
		ID:             "msg-1",
		ConversationID: "conv-1",
	}))

	var changed []string

	r := testReconciler(t, nil, store, ReconcilerConfig{
		OnConversationChanged: func(id string) { changed = append(changed, id) },
	})

	header := &drive.FileHeader{FileID: "file-1"}
	header.FileMetadata.AppData.UniqueID = "msg-1"
	header.FileMetadata.AppData.GroupID = "conv-1"

	r.handleNotification(context.Background(), notificationJSON(t, notifyFileDeleted, testDrive(), header))

	msg, err := store.GetMessage("msg-1")
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, []string{"conv-1"}, changed)
}

func TestHandleNotification_InboxItemTriggersCatchUp(t *testing.T) {
	var catchUps atomic.Int32

	r := testReconciler(t, nil, testStore(t), ReconcilerConfig{
		OnCatchUp: func(context.Context) error {
			catchUps.Add(1)
			return nil
		},
	})

	r.handleNotification(context.Background(), []byte(`{"notificationType":"inboxItemReceived"}`))
	assert.Equal(t, int32(1), catchUps.Load())

	r.handleNotification(context.Background(), []byte(`{"notificationType":"pong"}`))
	assert.Equal(t, int32(1), catchUps.Load(), "pongs must not re-drain")
}

func TestMessageFromHeader(t *testing.T) {
	t.Run("folds drive identifiers into the message", func(t *testing.T) {
		header := messageHeader("file-1", "msg-1", "conv-1", "hello")
		header.FileMetadata.Created = 1700000001000
		header.FileMetadata.Updated = 1700000002000

		msg, err := messageFromHeader(header)
		require.NoError(t, err)

		assert.Equal(t, "msg-1", msg.ID)
		assert.Equal(t, "conv-1", msg.ConversationID)
		assert.Equal(t, "gtid-msg-1", msg.GlobalTransitID)
		assert.Equal(t, "alice.example.com", msg.Sender)
		assert.Equal(t, int64(1700000000000), msg.Created, "content timestamps win over file timestamps")
		assert.Equal(t, int64(1700000002000), msg.Updated)
	})

	t.Run("falls back to uniqueId and sender identity", func(t *testing.T) {
		header := &drive.FileHeader{FileID: "file-1"}
		header.FileMetadata.AppData.UniqueID = "msg-1"
		header.FileMetadata.AppData.GroupID = "conv-1"
		header.FileMetadata.SenderOdinID = "bob.example.com"
		header.FileMetadata.Created = 1700000001000

		msg, err := messageFromHeader(header)
		require.NoError(t, err)

		assert.Equal(t, "msg-1", msg.ID)
		assert.Equal(t, "bob.example.com", msg.Sender)
		assert.Equal(t, int64(1700000001000), msg.Created)
	})

	t.Run("rejects a file without any message id", func(t *testing.T) {
		header := &drive.FileHeader{FileID: "file-1"}
		header.FileMetadata.AppData.GroupID = "conv-1"

		_, err := messageFromHeader(header)
		require.Error(t, err)
	})
}
