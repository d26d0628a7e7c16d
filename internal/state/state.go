// Package state persists the chat application's local view of
// conversations and messages in a bbolt database. The reconciliation
// pipeline reads and writes it; the drive protocol itself keeps no
// state here.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alexjbarnes/drive-sync/internal/models"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	conversationsBucket  = []byte("conversations")
	messagesBucket       = []byte("messages")
	messagesByGTIDBucket = []byte("messages_by_gtid")
)

// Store is the local conversation/message database.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the store at path, creating parent directories
// as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, messagesBucket, messagesByGTIDBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutConversation upserts a conversation record.
func (s *Store) PutConversation(c *models.Conversation) error {
	if err := c.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling conversation: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Put([]byte(c.ID), data)
	})
}

// GetConversation returns a conversation by id, or nil when unknown.
func (s *Store) GetConversation(id string) (*models.Conversation, error) {
	var conv *models.Conversation

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(conversationsBucket).Get([]byte(id))
		if data == nil {
			return nil
		}

		conv = &models.Conversation{}

		return json.Unmarshal(data, conv)
	})
	if err != nil {
		return nil, fmt.Errorf("reading conversation %s: %w", id, err)
	}

	return conv, nil
}

// SetConversationArchivalStatus updates just the archival state of a
// conversation, used when a new message restores an archived one.
func (s *Store) SetConversationArchivalStatus(id string, status int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(conversationsBucket)

		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("conversation %s not found", id)
		}

		var conv models.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return fmt.Errorf("unmarshalling conversation %s: %w", id, err)
		}

		conv.ArchivalStatus = status

		updated, err := json.Marshal(&conv)
		if err != nil {
			return fmt.Errorf("marshalling conversation %s: %w", id, err)
		}

		return bucket.Put([]byte(id), updated)
	})
}

// Conversations returns all stored conversations.
func (s *Store) Conversations() ([]*models.Conversation, error) {
	var out []*models.Conversation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return err
			}

			out = append(out, &conv)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	return out, nil
}

// PutMessage upserts a message and maintains the globalTransitId index.
func (s *Store) PutMessage(m *models.ChatMessage) error {
	if m.ID == "" {
		return fmt.Errorf("message without id")
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(messagesBucket).Put([]byte(m.ID), data); err != nil {
			return err
		}

		if m.GlobalTransitID != "" {
			return tx.Bucket(messagesByGTIDBucket).Put([]byte(m.GlobalTransitID), []byte(m.ID))
		}

		return nil
	})
}

// GetMessage returns a message by id, or nil when unknown.
func (s *Store) GetMessage(id string) (*models.ChatMessage, error) {
	var msg *models.ChatMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(messagesBucket).Get([]byte(id))
		if data == nil {
			return nil
		}

		msg = &models.ChatMessage{}

		return json.Unmarshal(data, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("reading message %s: %w", id, err)
	}

	return msg, nil
}

// GetMessageByGlobalTransitID resolves a message through the transit
// index, or nil when the id is unknown locally.
func (s *Store) GetMessageByGlobalTransitID(gtid string) (*models.ChatMessage, error) {
	var msg *models.ChatMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(messagesByGTIDBucket).Get([]byte(gtid))
		if id == nil {
			return nil
		}

		data := tx.Bucket(messagesBucket).Get(id)
		if data == nil {
			return nil
		}

		msg = &models.ChatMessage{}

		return json.Unmarshal(data, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("reading message by transit id %s: %w", gtid, err)
	}

	return msg, nil
}

// DeleteMessage removes a message and its transit index entry.
func (s *Store) DeleteMessage(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(messagesBucket).Get([]byte(id))
		if data == nil {
			return nil
		}

		var msg models.ChatMessage
		if err := json.Unmarshal(data, &msg); err == nil && msg.GlobalTransitID != "" {
			if err := tx.Bucket(messagesByGTIDBucket).Delete([]byte(msg.GlobalTransitID)); err != nil {
				return err
			}
		}

		return tx.Bucket(messagesBucket).Delete([]byte(id))
	})
}

// MessagesByConversation returns all stored messages of one conversation.
func (s *Store) MessagesByConversation(conversationID string) ([]*models.ChatMessage, error) {
	var out []*models.ChatMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).ForEach(func(_, v []byte) error {
			var msg models.ChatMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}

			if msg.ConversationID == conversationID {
				out = append(out, &msg)
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing messages for %s: %w", conversationID, err)
	}

	return out, nil
}
