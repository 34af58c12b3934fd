// Package surface is the fixed set of host operations extensions may use:
// the active document accessor, a toolbar mount point and a notification
// channel. All UI mutation runs on a single Loop goroutine.
package surface

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Level is a notification severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps free-form level text to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Document describes the currently active view.
type Document struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// ButtonID identifies a mounted toolbar button.
type ButtonID int64

// Chrome is the browser collaborator that owns the real UI.
type Chrome interface {
	ActiveDocument() Document
	AddToolbarButton(owner, label string, onClick func()) (ButtonID, error)
	RemoveToolbarButton(id ButtonID)
	Notify(owner string, level Level, msg string)
}

// Surface is what a single extension sees.
type Surface interface {
	ActiveDocument() Document
	AddButton(label string, onClick func()) error
	Notify(level Level, msg string)
}

// ErrReleased is returned when an extension uses a scope after it was detached.
var ErrReleased = errors.New("surface scope released")

// Scope is a per-extension Surface that remembers every mount so that
// disabling an extension can remove its UI.
type Scope struct {
	owner  string
	chrome Chrome

	mu       sync.Mutex
	buttons  []ButtonID
	released bool
}

// NewScope binds owner to chrome.
func NewScope(owner string, chrome Chrome) *Scope {
	return &Scope{owner: owner, chrome: chrome}
}

func (s *Scope) Owner() string { return s.owner }

func (s *Scope) ActiveDocument() Document {
	return s.chrome.ActiveDocument()
}

func (s *Scope) AddButton(label string, onClick func()) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return fmt.Errorf("button label is empty")
	}
	if onClick == nil {
		return fmt.Errorf("button %q has no handler", label)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	id, err := s.chrome.AddToolbarButton(s.owner, label, onClick)
	if err != nil {
		return err
	}
	s.buttons = append(s.buttons, id)
	return nil
}

func (s *Scope) Notify(level Level, msg string) {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return
	}
	s.chrome.Notify(s.owner, level, msg)
}

// Mounted returns the number of live buttons owned by the scope.
func (s *Scope) Mounted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buttons)
}

// Release removes every button the extension mounted and detaches the scope.
// It is idempotent.
func (s *Scope) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.buttons {
		s.chrome.RemoveToolbarButton(id)
	}
	s.buttons = nil
	s.released = true
}
