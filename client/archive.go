package main

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/luki4fun/VoIPC/internal/crypto/vault"
)

// chatArchive persists decrypted chat history to a VOIP vault file, saving
// at most once per saveInterval so a burst of messages doesn't serialize the
// whole archive on every line. It implements the Session.ChatArchiveStore
// seam.
type chatArchive struct {
	mu       sync.Mutex
	path     string
	pw       string
	archive  *vault.ChatArchive
	dirty    bool
	lastSave time.Time
}

const archiveSaveInterval = 5 * time.Second

// openChatArchive opens the VOIP file at path under pw, creating an empty
// archive if it doesn't exist yet.
func openChatArchive(path, pw string) *chatArchive {
	a, err := vault.LoadChatArchive(path, pw)
	if err != nil {
		a = vault.NewChatArchive()
	}
	return &chatArchive{path: path, pw: pw, archive: a}
}

func (c *chatArchive) AppendChannelMessage(channelName string, senderID uint32, senderName, content string, ts int64) {
	c.mu.Lock()
	c.archive.AppendChannel(channelName, vault.StoredMessage{
		UserID: senderID, Username: senderName, Content: content, TimestampMs: ts,
	})
	c.mu.Unlock()
	c.maybeSave()
}

func (c *chatArchive) AppendDirectMessage(peerID uint32, senderID uint32, senderName, content string, ts int64) {
	key := dmKey(peerID, senderID)
	c.mu.Lock()
	c.archive.AppendDM(key, vault.StoredMessage{
		UserID: senderID, Username: senderName, Content: content, TimestampMs: ts,
	})
	c.mu.Unlock()
	c.maybeSave()
}

func dmKey(a, b uint32) string {
	if a < b {
		return fmt.Sprintf("%d-%d", a, b)
	}
	return fmt.Sprintf("%d-%d", b, a)
}

func (c *chatArchive) maybeSave() {
	c.mu.Lock()
	c.dirty = true
	due := time.Since(c.lastSave) >= archiveSaveInterval
	c.mu.Unlock()
	if due {
		c.Flush()
	}
}

// Flush seals the archive to disk if it has unsaved changes. Held under the
// same lock Append* uses, so a save never races a concurrent append — this
// blocks new chat messages for the duration of one seal+write, acceptable at
// chat-message rather than media-packet rates.
func (c *chatArchive) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return
	}
	if err := vault.SaveChatArchive(c.path, c.pw, c.archive); err != nil {
		log.Printf("[archive] save %s: %v", c.path, err)
		return
	}
	c.dirty = false
	c.lastSave = time.Now()
}
