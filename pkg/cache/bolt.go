// Package cache keeps the last known state of conversations on disk so that
// they can be shown while the backend is unreachable.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/Ladvien/research-workbench-sub000/pkg/conversation"
)

var (
	treesBucket         = []byte("trees")
	conversationsBucket = []byte("conversations")
	// the conversation list is stored as a single record
	conversationListKey = []byte("list")
)

// BoltCache stores one tree snapshot per conversation, plus the last loaded
// conversation list, in a single bbolt file.
type BoltCache struct {
	db *bolt.DB
}

// DefaultPath returns ~/.wbchat/cache.bolt, or ./cache.bolt when there is no home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "cache.bolt"
	}
	return filepath.Join(home, ".wbchat", "cache.bolt")
}

func Open(path string) (*BoltCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "could not create cache directory")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "could not open cache %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(treesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "could not initialize cache")
	}
	return &BoltCache{db: db}, nil
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}

func (c *BoltCache) SaveTree(snapshot *conversation.TreeSnapshot) error {
	if snapshot == nil || snapshot.ConversationID == "" {
		return errors.New("cannot cache a tree without conversation id")
	}
	enc, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "could not serialize tree")
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(treesBucket).Put([]byte(snapshot.ConversationID), enc)
	})
}

// LoadTree returns the cached tree of id, or nil if none is cached.
// A malformed record is treated as missing.
func (c *BoltCache) LoadTree(id conversation.ConversationID) (*conversation.TreeSnapshot, error) {
	var ret *conversation.TreeSnapshot
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(treesBucket).Get([]byte(id))
		if len(v) == 0 {
			return nil
		}
		s := &conversation.TreeSnapshot{}
		if err := json.Unmarshal(v, s); err != nil {
			log.Warn().Err(err).Str("conversation_id", string(id)).Msg("Skipping malformed cached tree")
			return nil
		}
		ret = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *BoltCache) DeleteTree(id conversation.ConversationID) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(treesBucket).Delete([]byte(id))
	})
}

// TreeIDs lists the conversations with a cached tree.
func (c *BoltCache) TreeIDs() ([]conversation.ConversationID, error) {
	var ret []conversation.ConversationID
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(treesBucket).ForEach(func(k, _ []byte) error {
			ret = append(ret, conversation.ConversationID(k))
			return nil
		})
	})
	return ret, err
}

func (c *BoltCache) SaveConversations(conversations []conversation.Conversation) error {
	if conversations == nil {
		conversations = []conversation.Conversation{}
	}
	enc, err := json.Marshal(conversations)
	if err != nil {
		return errors.Wrap(err, "could not serialize conversations")
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Put(conversationListKey, enc)
	})
}

func (c *BoltCache) LoadConversations() ([]conversation.Conversation, error) {
	var ret []conversation.Conversation
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get(conversationListKey)
		if len(v) == 0 {
			return nil
		}
		if err := json.Unmarshal(v, &ret); err != nil {
			log.Warn().Err(err).Msg("Skipping malformed cached conversation list")
			ret = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}
