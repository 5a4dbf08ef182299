// Package notification fans shop notifications out to subscribed users and
// raises deduplicated alerts on the event bus.
package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sydlexius/shopmon/internal/database"
	"github.com/sydlexius/shopmon/internal/event"
	"github.com/sydlexius/shopmon/internal/lock"
)

// ErrNotFound is returned when a notification does not exist for the user.
var ErrNotFound = errors.New("notification not found")

// Levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// DedupWindow is how long an unread notification suppresses another with the
// same key, and how long an alert key stays locked.
const DedupWindow = 24 * time.Hour

// Notification is one message in a user's inbox.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Key       string    `json:"key"`
	Level     string    `json:"level"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      *string   `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Alert is an operator-facing message delivered through outbound webhooks.
type Alert struct {
	Key     string
	ShopID  string
	Title   string
	Message string
	Level   string
}

// Service stores notifications and subscriptions.
type Service struct {
	db        *sql.DB
	locks     *lock.Service
	publisher event.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a notification service.
func NewService(db *sql.DB, locks *lock.Service, publisher event.Publisher, logger *slog.Logger) *Service {
	return &Service{
		db:        db,
		locks:     locks,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "notification")),
		now:       time.Now,
	}
}

// Notify delivers n to every user subscribed to shopID. A user who already
// has an unread notification with the same key from the last 24 hours is
// skipped. It returns the number of rows created.
func (s *Service) Notify(ctx context.Context, shopID string, n Notification) (int, error) {
	now := s.now().UTC()
	since := now.Add(-DedupWindow).Format(time.RFC3339)

	var created int
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT sub.user_id FROM shop_subscriptions sub
			WHERE sub.shop_id = ?
			AND NOT EXISTS (
				SELECT 1 FROM notifications n
				WHERE n.user_id = sub.user_id AND n.key = ? AND n.read = 0 AND n.created_at >= ?
			)
		`, shopID, n.Key, since)
		if err != nil {
			return fmt.Errorf("listing recipients: %w", err)
		}
		var users []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scanning recipient: %w", err)
			}
			users = append(users, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating recipients: %w", err)
		}

		for _, userID := range users {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO notifications (id, user_id, key, level, title, message, link, read, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
			`, uuid.New().String(), userID, n.Key, n.Level, n.Title, n.Message, n.Link, now.Format(time.RFC3339))
			if err != nil {
				return fmt.Errorf("creating notification: %w", err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if created > 0 {
		s.logger.Debug("notified subscribers", "shop_id", shopID, "key", n.Key, "count", created)
	}
	return created, nil
}

// Alert publishes a once-per-day alert for a.Key. It reports whether the
// alert was sent.
func (s *Service) Alert(ctx context.Context, a Alert) (bool, error) {
	ok, err := s.locks.TryAcquire(ctx, "alert."+a.Key, DedupWindow)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	s.publisher.Publish(event.Event{
		Type:      event.ShopAlert,
		ShopID:    a.ShopID,
		Timestamp: s.now().UTC(),
		Data: map[string]any{
			"key":     a.Key,
			"title":   a.Title,
			"message": a.Message,
			"level":   a.Level,
		},
	})
	return true, nil
}

// List returns a user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, unreadOnly bool) ([]Notification, error) {
	query := `SELECT id, user_id, key, level, title, message, link, read, created_at
		FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY created_at DESC, id LIMIT 200`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []Notification{}
	for rows.Next() {
		var n Notification
		var link sql.NullString
		var read int
		var created string
		if err := rows.Scan(&n.ID, &n.UserID, &n.Key, &n.Level, &n.Title, &n.Message, &link, &read, &created); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		if link.Valid {
			n.Link = &link.String
		}
		n.Read = read == 1
		n.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead marks one notification read. An empty id marks all of them.
func (s *Service) MarkRead(ctx context.Context, userID, id string) error {
	if id == "" {
		_, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE user_id = ?`, userID)
		if err != nil {
			return fmt.Errorf("marking notifications read: %w", err)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	return expectOne(res)
}

// Delete removes one notification.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}
	return expectOne(res)
}

// Subscribe adds userID to the recipients of shopID's notifications.
func (s *Service) Subscribe(ctx context.Context, shopID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shop_subscriptions (shop_id, user_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(shop_id, user_id) DO NOTHING
	`, shopID, userID, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("subscribing to shop: %w", err)
	}
	return nil
}

// Unsubscribe removes userID from shopID's recipients.
func (s *Service) Unsubscribe(ctx context.Context, shopID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM shop_subscriptions WHERE shop_id = ? AND user_id = ?`, shopID, userID); err != nil {
		return fmt.Errorf("unsubscribing from shop: %w", err)
	}
	return nil
}

// Subscriptions lists the shop IDs userID is subscribed to.
func (s *Service) Subscriptions(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT shop_id FROM shop_subscriptions WHERE user_id = ? ORDER BY shop_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneRead deletes read notifications created before cutoff.
func (s *Service) PruneRead(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE read = 1 AND created_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("pruning notifications: %w", err)
	}
	return res.RowsAffected()
}
