// Package notify delivers operator and user messages. The concrete
// channel is Telegram; a no-op channel stands in when no bot token is
// configured so callers never branch on notification availability.
package notify

import "context"

// Message identifies a sent message so it can be edited in place.
type Message struct {
	ChatID int64
	ID     int
}

// Channel sends and edits notifications. Implementations must be safe
// for concurrent use.
type Channel interface {
	// Send delivers text to a chat and returns a handle for later edits.
	Send(ctx context.Context, chatID int64, text string) (Message, error)
	// Edit replaces the text of a previously sent message. Used for
	// in-place progress updates.
	Edit(ctx context.Context, msg Message, text string) error
	// NotifyAdmins delivers text to every configured admin chat.
	// Delivery failures are logged, not returned: admin notices are
	// best-effort by contract.
	NotifyAdmins(ctx context.Context, text string)
}

// Noop discards all notifications.
type Noop struct{}

func (Noop) Send(context.Context, int64, string) (Message, error) { return Message{}, nil }
func (Noop) Edit(context.Context, Message, string) error          { return nil }
func (Noop) NotifyAdmins(context.Context, string)                 {}
