package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"reminderd/internal/domain"
	logx "reminderd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// dialect hides the few differences between sqlite and postgres.
type dialect struct {
	name     string
	greatest string // scalar max of two values
	dollar   bool   // $n placeholders instead of ?
}

var (
	dialectSQLite   = dialect{name: "sqlite", greatest: "MAX"}
	dialectPostgres = dialect{name: "postgres", greatest: "GREATEST", dollar: true}
)

// bind rewrites ? placeholders for the dialect and expands {greatest}.
func (d dialect) bind(q string) string {
	q = strings.ReplaceAll(q, "{greatest}", d.greatest)
	if !d.dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("%s migrate: %w", s.d.name, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.bind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.bind(q), args...)
}

const cartCols = `c.id, c.owner_id, c.last_mutated_at, c.last_notified_at, c.last_notified_for_mutation_at`

func (s *sqlStore) ListCartCandidates(ctx context.Context, mutatedBefore time.Time) ([]domain.Cart, error) {
	rows, err := s.query(ctx, `SELECT `+cartCols+`, i.service_id, i.quantity
		FROM carts c JOIN cart_items i ON i.cart_id = c.id
		WHERE c.last_mutated_at <= ?
		  AND EXISTS (SELECT 1 FROM cart_items q WHERE q.cart_id = c.id AND q.quantity > 0)
		ORDER BY c.id, i.position`, mutatedBefore.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Cart, 0)
	for rows.Next() {
		var (
			c    domain.Cart
			item domain.CartItem
		)
		var mut int64
		var lastAt, lastMut sql.NullInt64
		if err := rows.Scan(&c.ID, &c.OwnerID, &mut, &lastAt, &lastMut, &item.ServiceID, &item.Quantity); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].ID == c.ID {
			out[n-1].Items = append(out[n-1].Items, item)
			continue
		}
		c.LastMutatedAt = fromNanos(mut)
		c.Abandoned = domain.AbandonedTracking{LastNotifiedAt: fromNull(lastAt), LastNotifiedForMutationAt: fromNull(lastMut)}
		c.Items = []domain.CartItem{item}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetCart(ctx context.Context, id string) (domain.Cart, error) {
	var (
		c               domain.Cart
		mut             int64
		lastAt, lastMut sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.d.bind(`SELECT `+cartCols+` FROM carts c WHERE c.id = ?`), id).
		Scan(&c.ID, &c.OwnerID, &mut, &lastAt, &lastMut)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Cart{}, fmt.Errorf("cart %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Cart{}, err
	}
	c.LastMutatedAt = fromNanos(mut)
	c.Abandoned = domain.AbandonedTracking{LastNotifiedAt: fromNull(lastAt), LastNotifiedForMutationAt: fromNull(lastMut)}

	rows, err := s.query(ctx, `SELECT service_id, quantity FROM cart_items WHERE cart_id = ? ORDER BY position`, id)
	if err != nil {
		return domain.Cart{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.CartItem
		if err := rows.Scan(&it.ServiceID, &it.Quantity); err != nil {
			return domain.Cart{}, err
		}
		c.Items = append(c.Items, it)
	}
	return c, rows.Err()
}

func (s *sqlStore) UpsertCart(ctx context.Context, c domain.Cart) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("storage: cart id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.d.bind(`INSERT INTO carts(id, owner_id, last_mutated_at, last_notified_at, last_notified_for_mutation_at)
		VALUES(?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, last_mutated_at=excluded.last_mutated_at,
		  last_notified_at=excluded.last_notified_at, last_notified_for_mutation_at=excluded.last_notified_for_mutation_at`),
		c.ID, c.OwnerID, c.LastMutatedAt.UnixNano(), toNull(c.Abandoned.LastNotifiedAt), toNull(c.Abandoned.LastNotifiedForMutationAt))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.d.bind(`DELETE FROM cart_items WHERE cart_id = ?`), c.ID); err != nil {
		return err
	}
	for i, it := range c.Items {
		if _, err := tx.ExecContext(ctx, s.d.bind(`INSERT INTO cart_items(cart_id, position, service_id, quantity) VALUES(?,?,?,?)`),
			c.ID, i, it.ServiceID, it.Quantity); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) SaveCartTracking(ctx context.Context, cartID string, t domain.AbandonedTracking) error {
	res, err := s.exec(ctx, `UPDATE carts SET last_notified_at = ?, last_notified_for_mutation_at = ? WHERE id = ?`,
		toNull(t.LastNotifiedAt), toNull(t.LastNotifiedForMutationAt), cartID)
	if err != nil {
		return err
	}
	return mustAffect(res, "cart", cartID)
}

const userCols = `id, name, email, phone, role, is_blocked, created_at, public_liability,
	id_card_status, address_status, insurance_status,
	reminder_last_sent_at, reminder_weekly_sent, reminder_monthly_sent, reminder_stopped`

type rowScanner interface{ Scan(dest ...any) error }

func scanUser(r rowScanner) (domain.User, error) {
	var (
		u                        domain.User
		blocked, liability, stop int64
		created                  int64
		idCard, addr, ins        string
		lastSent                 sql.NullInt64
	)
	err := r.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.Role, &blocked, &created, &liability,
		&idCard, &addr, &ins, &lastSent, &u.Reminders.WeeklySent, &u.Reminders.MonthlySent, &stop)
	if err != nil {
		return domain.User{}, err
	}
	u.IsBlocked = blocked != 0
	u.PublicLiability = liability != 0
	u.CreatedAt = fromNanos(created)
	u.Verification = domain.Artifacts{IDCard: domain.ParseStatus(idCard), Address: domain.ParseStatus(addr), Insurance: domain.ParseStatus(ins)}
	u.Reminders.LastSentAt = fromNull(lastSent)
	u.Reminders.PermanentlyStopped = stop != 0
	return u, nil
}

func (s *sqlStore) ListVerificationCandidates(ctx context.Context) ([]domain.User, error) {
	rows, err := s.query(ctx, `SELECT `+userCols+` FROM users
		WHERE role = ? AND is_blocked = 0 AND reminder_stopped = 0 ORDER BY id`, domain.RoleProfessional)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.d.bind(`SELECT `+userCols+` FROM users WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return u, err
}

func (s *sqlStore) UpsertUser(ctx context.Context, u domain.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("storage: user id is required")
	}
	_, err := s.exec(ctx, `INSERT INTO users(`+userCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
		  name=excluded.name, email=excluded.email, phone=excluded.phone, role=excluded.role,
		  is_blocked=excluded.is_blocked, created_at=excluded.created_at, public_liability=excluded.public_liability,
		  id_card_status=excluded.id_card_status, address_status=excluded.address_status, insurance_status=excluded.insurance_status,
		  reminder_last_sent_at=COALESCE(excluded.reminder_last_sent_at, users.reminder_last_sent_at),
		  reminder_weekly_sent={greatest}(users.reminder_weekly_sent, excluded.reminder_weekly_sent),
		  reminder_monthly_sent={greatest}(users.reminder_monthly_sent, excluded.reminder_monthly_sent),
		  reminder_stopped={greatest}(users.reminder_stopped, excluded.reminder_stopped)`,
		u.ID, u.Name, u.Email, u.Phone, u.Role, b2i(u.IsBlocked), u.CreatedAt.UnixNano(), b2i(u.PublicLiability),
		string(u.Verification.IDCard), string(u.Verification.Address), string(u.Verification.Insurance),
		toNull(u.Reminders.LastSentAt), u.Reminders.WeeklySent, u.Reminders.MonthlySent, b2i(u.Reminders.PermanentlyStopped))
	return err
}

func (s *sqlStore) SaveReminderTracking(ctx context.Context, userID string, t domain.ReminderTracking) error {
	res, err := s.exec(ctx, `UPDATE users SET
		  reminder_last_sent_at = COALESCE(?, reminder_last_sent_at),
		  reminder_weekly_sent = {greatest}(reminder_weekly_sent, ?),
		  reminder_monthly_sent = {greatest}(reminder_monthly_sent, ?),
		  reminder_stopped = {greatest}(reminder_stopped, ?)
		WHERE id = ?`,
		toNull(t.LastSentAt), t.WeeklySent, t.MonthlySent, b2i(t.PermanentlyStopped), userID)
	if err != nil {
		return err
	}
	return mustAffect(res, "user", userID)
}

func (s *sqlStore) InsertNotification(ctx context.Context, n domain.Notification) error {
	if strings.TrimSpace(n.ID) == "" {
		return errors.New("storage: notification id is required")
	}
	meta := "{}"
	if len(n.Metadata) > 0 {
		b, err := json.Marshal(n.Metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err := s.exec(ctx, `INSERT INTO notifications(id, user_id, kind, title, message, link, is_read, created_at, metadata)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		n.ID, n.UserID, string(n.Kind), n.Title, n.Message, n.Link, b2i(n.IsRead), n.CreatedAt.UnixNano(), meta)
	return err
}

func (s *sqlStore) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	q := `SELECT id, user_id, kind, title, message, link, is_read, created_at, metadata
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC, id ASC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Notification, 0)
	for rows.Next() {
		var (
			n       domain.Notification
			kind    string
			read    int64
			created int64
			meta    string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &kind, &n.Title, &n.Message, &n.Link, &read, &created, &meta); err != nil {
			return nil, err
		}
		n.Kind = domain.Kind(kind)
		n.IsRead = read != 0
		n.CreatedAt = fromNanos(created)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &n.Metadata); err != nil {
				s.log.Debug("bad notification metadata", logx.String("id", n.ID), logx.Err(err))
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, "notification", id)
}

func (s *sqlStore) ListCredentials(ctx context.Context) ([]domain.SenderIdentity, error) {
	rows, err := s.query(ctx, `SELECT category, from_name, from_email, sms_from, username, password FROM credentials ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.SenderIdentity, 0)
	for rows.Next() {
		var id domain.SenderIdentity
		if err := rows.Scan(&id.Category, &id.FromName, &id.FromEmail, &id.SMSFrom, &id.Username, &id.Password); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutCredential(ctx context.Context, id domain.SenderIdentity) error {
	cat := normalizeCategory(id.Category)
	if cat == "" {
		return errors.New("storage: credential category is required")
	}
	_, err := s.exec(ctx, `INSERT INTO credentials(category, from_name, from_email, sms_from, username, password, updated_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(category) DO UPDATE SET from_name=excluded.from_name, from_email=excluded.from_email,
		  sms_from=excluded.sms_from, username=excluded.username, password=excluded.password, updated_at=excluded.updated_at`,
		cat, id.FromName, id.FromEmail, id.SMSFrom, id.Username, id.Password, time.Now().UnixNano())
	return err
}

func (s *sqlStore) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	fields := "{}"
	if len(e.Fields) > 0 {
		b, err := json.Marshal(e.Fields)
		if err != nil {
			return err
		}
		fields = string(b)
	}
	_, err := s.exec(ctx, `INSERT INTO audit(at, kind, message, fields) VALUES(?,?,?,?)`,
		e.At.UnixNano(), e.Kind, e.Message, fields)
	return err
}

func mustAffect(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	return nil
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}

func toNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
