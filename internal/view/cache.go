package view

import (
	"github.com/matthewjhunter/broadsheet/internal/storage"
)

// State is the load state of one category in the session cache.
type State int

const (
	Unloaded State = iota
	Loading
	Loaded
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	}
	return "unloaded"
}

// entry is one category's cache slot. While Loading, done is open and
// concurrent readers wait on it; the loader fills posts or err and closes it.
type entry struct {
	state State
	done  chan struct{}
	posts []storage.Post
	err   error
}

// CacheState reports the load state of a category.
func (e *Engine) CacheState(categoryID int64) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.cache[categoryID]; ok {
		return ent.state
	}
	return Unloaded
}

// categoryPosts returns a copy of the cached snapshot, loading it on first use.
// Concurrent first queries for the same category share one store read.
func (e *Engine) categoryPosts(categoryID int64) ([]storage.Post, error) {
	e.mu.Lock()
	ent, ok := e.cache[categoryID]
	switch {
	case ok && ent.state == Loaded:
		posts := append([]storage.Post(nil), ent.posts...)
		e.mu.Unlock()
		return posts, nil

	case ok && ent.state == Loading:
		e.mu.Unlock()
		<-ent.done
		if ent.err != nil {
			return nil, ent.err
		}
		return append([]storage.Post(nil), ent.posts...), nil
	}

	ent = &entry{state: Loading, done: make(chan struct{})}
	e.cache[categoryID] = ent
	e.mu.Unlock()

	posts, err := e.load(categoryID)

	e.mu.Lock()
	ent.posts, ent.err = posts, err
	// An invalidation during the load replaced or dropped this slot; the
	// result still answers the waiters but is not cached.
	if e.cache[categoryID] == ent {
		if err != nil {
			delete(e.cache, categoryID)
		} else {
			ent.state = Loaded
		}
	}
	close(ent.done)
	e.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return append([]storage.Post(nil), posts...), nil
}

// Invalidate drops the cached contents of one category.
func (e *Engine) Invalidate(categoryID int64) {
	e.mu.Lock()
	delete(e.cache, categoryID)
	e.mu.Unlock()
	logInvalidate("category", categoryID)
}

// InvalidateAll drops every cached category.
func (e *Engine) InvalidateAll() {
	e.mu.Lock()
	e.cache = make(map[int64]*entry)
	e.mu.Unlock()
	logInvalidate("all", 0)
}

// Apply patches cached snapshots with a post's new flag state. The post is
// replaced in its category's snapshot and dropped from any other.
func (e *Engine) Apply(post storage.Post) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, ent := range e.cache {
		if ent.state != Loaded {
			continue
		}
		ent.posts = removePost(ent.posts, post.ID)
		if post.CategoryID != nil && *post.CategoryID == id {
			ent.posts = append(ent.posts, post)
			sortPosts(ent.posts)
		}
	}
}

// Forget removes a deleted post from every cached snapshot.
func (e *Engine) Forget(postID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ent := range e.cache {
		if ent.state == Loaded {
			ent.posts = removePost(ent.posts, postID)
		}
	}
}

func removePost(posts []storage.Post, postID int64) []storage.Post {
	for i, p := range posts {
		if p.ID == postID {
			out := make([]storage.Post, 0, len(posts)-1)
			out = append(out, posts[:i]...)
			return append(out, posts[i+1:]...)
		}
	}
	return posts
}
