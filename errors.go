package broadsheet

import (
	"errors"

	"github.com/matthewjhunter/broadsheet/internal/opml"
	"github.com/matthewjhunter/broadsheet/internal/registry"
	"github.com/matthewjhunter/broadsheet/internal/retention"
	"github.com/matthewjhunter/broadsheet/internal/state"
	"github.com/matthewjhunter/broadsheet/internal/storage"
	"github.com/matthewjhunter/broadsheet/internal/view"
)

// Store errors.
var (
	ErrLocked     = storage.ErrLocked
	ErrCorrupt    = storage.ErrCorrupt
	ErrNotFound   = storage.ErrNotFound
	ErrConstraint = storage.ErrConstraint
)

// Validation errors.
var (
	ErrDuplicateFeedURL = registry.ErrDuplicateFeedURL
	ErrInvalidURL       = registry.ErrInvalidURL
	ErrInvalidCategory  = registry.ErrInvalidCategory
)

var (
	ErrMalformedDocument    = opml.ErrMalformedDocument
	ErrConfirmationRequired = state.ErrConfirmationRequired
	ErrCategoryRequired     = view.ErrCategoryRequired
	ErrNegativeDays         = retention.ErrNegativeDays
	ErrUnknownFlag          = errors.New("unknown post flag")
	ErrUnknownView          = errors.New("unknown view")
)
