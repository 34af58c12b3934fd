package surface

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Button is a mounted toolbar button as seen by the headless chrome.
type Button struct {
	ID      ButtonID
	Owner   string
	Label   string
	onClick func()
}

// Notification is one message an extension sent to the user.
type Notification struct {
	Owner string
	Level Level
	Msg   string
	At    time.Time
}

// Headless is an in-memory Chrome used by the CLI host and by tests. Button
// clicks are dispatched on the UI loop.
type Headless struct {
	loop   *Loop
	logger *slog.Logger

	mu       sync.Mutex
	doc      Document
	nextID   ButtonID
	buttons  map[ButtonID]*Button
	notes    []Notification
	maxNotes int
}

func NewHeadless(loop *Loop, logger *slog.Logger) *Headless {
	if logger == nil {
		logger = slog.Default()
	}
	return &Headless{
		loop:     loop,
		logger:   logger,
		doc:      Document{URL: "about:blank", Title: "New Tab"},
		buttons:  map[ButtonID]*Button{},
		maxNotes: 256,
	}
}

func (h *Headless) SetActiveDocument(doc Document) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.doc = doc
}

func (h *Headless) ActiveDocument() Document {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc
}

func (h *Headless) AddToolbarButton(owner, label string, onClick func()) (ButtonID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.buttons {
		if b.Owner == owner && b.Label == label {
			return 0, fmt.Errorf("button %q already mounted by %s", label, owner)
		}
	}
	h.nextID++
	id := h.nextID
	h.buttons[id] = &Button{ID: id, Owner: owner, Label: label, onClick: onClick}
	return id, nil
}

func (h *Headless) RemoveToolbarButton(id ButtonID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.buttons, id)
}

func (h *Headless) Notify(owner string, level Level, msg string) {
	h.mu.Lock()
	h.notes = append(h.notes, Notification{Owner: owner, Level: level, Msg: msg, At: time.Now().UTC()})
	if len(h.notes) > h.maxNotes {
		h.notes = h.notes[len(h.notes)-h.maxNotes:]
	}
	h.mu.Unlock()

	switch level {
	case LevelError:
		h.logger.Error("extension notification", "extension", owner, "msg", msg)
	case LevelWarn:
		h.logger.Warn("extension notification", "extension", owner, "msg", msg)
	case LevelDebug:
		h.logger.Debug("extension notification", "extension", owner, "msg", msg)
	default:
		h.logger.Info("extension notification", "extension", owner, "msg", msg)
	}
}

// Buttons returns the mounted buttons ordered by mount order.
func (h *Headless) Buttons() []Button {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Button, 0, len(h.buttons))
	for _, b := range h.buttons {
		out = append(out, Button{ID: b.ID, Owner: b.Owner, Label: b.Label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Notifications returns a copy of the retained notifications.
func (h *Headless) Notifications() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Notification, len(h.notes))
	copy(out, h.notes)
	return out
}

// Click invokes the handler of the first button matching owner and label on
// the UI loop and waits for it.
func (h *Headless) Click(ctx context.Context, owner, label string) error {
	h.mu.Lock()
	var handler func()
	var bestID ButtonID
	for id, b := range h.buttons {
		if b.Owner == owner && b.Label == label && (handler == nil || id < bestID) {
			handler, bestID = b.onClick, id
		}
	}
	h.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("no button %q for %s", label, owner)
	}
	if h.loop == nil {
		handler()
		return nil
	}
	return h.loop.Do(ctx, handler)
}
