// Package state applies per-post flag transitions.
package state

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/matthewjhunter/broadsheet/internal/storage"
)

// ErrConfirmationRequired is returned by DeletePost when the caller has not
// confirmed the deletion.
var ErrConfirmationRequired = errors.New("deleting a post requires confirmation")

// Observer is told about every post mutation so cached views stay current.
type Observer interface {
	Apply(post storage.Post)
	Forget(postID int64)
}

// Manager mutates post flags. The four flags are independent: archiving
// leaves starred and read-later untouched and does not mark a post read.
type Manager struct {
	store    *storage.Store
	observer Observer
}

// NewManager creates a manager. observer may be nil.
func NewManager(store *storage.Store, observer Observer) *Manager {
	return &Manager{store: store, observer: observer}
}

func (m *Manager) ToggleRead(postID int64) (*storage.Post, error) {
	return m.Toggle(postID, storage.FlagRead)
}

func (m *Manager) ToggleStar(postID int64) (*storage.Post, error) {
	return m.Toggle(postID, storage.FlagStarred)
}

func (m *Manager) ToggleReadLater(postID int64) (*storage.Post, error) {
	return m.Toggle(postID, storage.FlagReadLater)
}

func (m *Manager) ToggleArchive(postID int64) (*storage.Post, error) {
	return m.Toggle(postID, storage.FlagArchived)
}

// Toggle flips one flag and returns the updated post.
func (m *Manager) Toggle(postID int64, flag storage.Flag) (*storage.Post, error) {
	post, err := m.store.TogglePostFlag(postID, flag)
	if err != nil {
		return nil, fmt.Errorf("toggle %s: %w", flag, err)
	}
	m.applied(post, flag)
	return post, nil
}

// Set assigns one flag. Concurrent writes to the same flag resolve
// last-write-wins.
func (m *Manager) Set(postID int64, flag storage.Flag, value bool) (*storage.Post, error) {
	post, err := m.store.SetPostFlag(postID, flag, value)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", flag, err)
	}
	m.applied(post, flag)
	return post, nil
}

// Open marks a post read, idempotently, and returns it with its content.
func (m *Manager) Open(postID int64) (*storage.Post, error) {
	marked, err := m.store.SetPostFlag(postID, storage.FlagRead, true)
	if err != nil {
		return nil, fmt.Errorf("open post: %w", err)
	}
	m.applied(marked, storage.FlagRead)

	post, err := m.store.GetPost(postID)
	if err != nil {
		return nil, fmt.Errorf("open post: %w", err)
	}
	return post, nil
}

// DeletePost removes a post. The caller must pass confirmed=true.
func (m *Manager) DeletePost(postID int64, confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}
	if err := m.store.DeletePost(postID); err != nil {
		return err
	}
	if m.observer != nil {
		m.observer.Forget(postID)
	}
	log.WithField("post_id", postID).Info("post deleted")
	return nil
}

func (m *Manager) applied(post *storage.Post, flag storage.Flag) {
	if m.observer != nil {
		m.observer.Apply(*post)
	}
	log.WithFields(log.Fields{
		"post_id": post.ID,
		"flag":    flag.String(),
	}).Debug("post flag changed")
}
