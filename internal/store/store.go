package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"printgate/internal/model"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

type Store struct {
	db      *sql.DB
	dialect dialect
}

var (
	ErrNotFound    = errors.New("store: not found")
	ErrDisabled    = errors.New("store: account disabled")
	ErrBadPassword = errors.New("store: password mismatch")
)

func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, dialect: dialectSQLite}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) WithTx(ctx context.Context, readOnly bool, fn func(tx *sql.Tx) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	opts := &sql.TxOptions{ReadOnly: readOnly}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	if s.dialect == dialectSQLite {
		if _, err := tx.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// q rewrites '?' placeholders into the numbered form postgres expects.
func (s *Store) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// EnsureReservedQueues creates a row for every built-in queue that does not
// exist yet. Existing rows keep their flags.
func (s *Store) EnsureReservedQueues(ctx context.Context) error {
	return s.WithTx(ctx, false, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, kind := range model.ReservedKinds {
			_, err := tx.ExecContext(ctx, s.q(`
                INSERT INTO queues (url_path, reserved, disabled, deleted, trusted, ip_allowed, info, created_at, updated_at)
                VALUES (?, ?, 0, 0, 0, '', ?, ?, ?)
                ON CONFLICT (url_path) DO NOTHING
            `), kind.URLPath(), kind.String(), "Reserved "+kind.String()+" queue", now, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) EnsureAdminUser(ctx context.Context) error {
	user := os.Getenv("PRINTGATE_ADMIN_USER")
	pass := os.Getenv("PRINTGATE_ADMIN_PASS")
	if user == "" {
		user = "admin"
	}
	if pass == "" {
		pass = "admin"
	}
	return s.WithTx(ctx, false, func(tx *sql.Tx) error {
		if _, err := s.GetUserByUsername(ctx, tx, user); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err := s.CreateUser(ctx, tx, user, pass, true)
		return err
	})
}

const queueColumns = `id, url_path, reserved, disabled, deleted, trusted, ip_allowed, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueue(row rowScanner) (model.Queue, error) {
	var q model.Queue
	var reserved, ipAllowed string
	var disabled, deleted, trusted int
	if err := row.Scan(&q.ID, &q.URLPath, &reserved, &disabled, &deleted, &trusted, &ipAllowed, &q.CreatedAt, &q.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Queue{}, ErrNotFound
		}
		return model.Queue{}, err
	}
	kind, ok := model.ParseReservedKind(reserved)
	if !ok {
		return model.Queue{}, fmt.Errorf("queue %q: unknown reserved kind %q", q.URLPath, reserved)
	}
	q.Reserved = kind
	q.Disabled = disabled != 0
	q.Deleted = deleted != 0
	q.Trusted = trusted != 0
	q.IPAllowed = splitList(ipAllowed)
	return q, nil
}

// GetQueueByPath returns the queue row, deleted rows included.
func (s *Store) GetQueueByPath(ctx context.Context, tx *sql.Tx, path string) (model.Queue, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	row := tx.QueryRowContext(ctx, s.q(`SELECT `+queueColumns+` FROM queues WHERE url_path = ?`), path)
	return scanQueue(row)
}

func (s *Store) ListQueues(ctx context.Context, tx *sql.Tx) ([]model.Queue, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE deleted = 0 ORDER BY url_path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// UpsertQueue creates or updates a custom queue. Reserved rows are matched
// by path like any other queue.
func (s *Store) UpsertQueue(ctx context.Context, tx *sql.Tx, q model.Queue) (model.Queue, error) {
	path := strings.Trim(strings.TrimSpace(q.URLPath), "/")
	if path == "" && q.Reserved != model.ReservedDefault {
		return model.Queue{}, fmt.Errorf("queue path required")
	}
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, s.q(`
        INSERT INTO queues (url_path, reserved, disabled, deleted, trusted, ip_allowed, info, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)
        ON CONFLICT (url_path) DO UPDATE SET
            disabled = excluded.disabled,
            deleted = excluded.deleted,
            trusted = excluded.trusted,
            ip_allowed = excluded.ip_allowed,
            updated_at = excluded.updated_at
    `), path, q.Reserved.String(), boolInt(q.Disabled), boolInt(q.Deleted), boolInt(q.Trusted), strings.Join(q.IPAllowed, ","), now, now)
	if err != nil {
		return model.Queue{}, err
	}
	return s.GetQueueByPath(ctx, tx, path)
}

func (s *Store) DeleteQueue(ctx context.Context, tx *sql.Tx, path string) error {
	res, err := tx.ExecContext(ctx, s.q(`UPDATE queues SET deleted = 1, updated_at = ? WHERE url_path = ?`), time.Now().UTC(), strings.Trim(path, "/"))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const userColumns = `id, username, user_number, uuid, password_hash, disabled, is_admin, created_at, updated_at`

func scanUser(row rowScanner) (model.User, error) {
	var u model.User
	var id string
	var disabled, isAdmin int
	if err := row.Scan(&u.ID, &u.Username, &u.Number, &id, &u.PasswordHash, &disabled, &isAdmin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.User{}, fmt.Errorf("user %q: %w", u.Username, err)
	}
	u.UUID = parsed
	u.Disabled = disabled != 0
	u.IsAdmin = isAdmin != 0
	return u, nil
}

// CreateUser stores a new account. The user number is derived from the row
// id and the UUID is random; both are embedded in internet print URLs.
func (s *Store) CreateUser(ctx context.Context, tx *sql.Tx, username, password string, admin bool) (model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return model.User{}, fmt.Errorf("username required")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return model.User{}, err
	}
	now := time.Now().UTC()
	id := uuid.New()
	var rowID int64
	err = tx.QueryRowContext(ctx, s.q(`
        INSERT INTO users (username, user_number, uuid, password_hash, disabled, is_admin, created_at, updated_at)
        VALUES (?, ?, ?, ?, 0, ?, ?, ?)
        RETURNING id
    `), username, "pending-"+id.String(), id.String(), hash, boolInt(admin), now, now).Scan(&rowID)
	if err != nil {
		return model.User{}, err
	}
	number := fmt.Sprintf("%06d", rowID)
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE users SET user_number = ? WHERE id = ?`), number, rowID); err != nil {
		return model.User{}, err
	}
	return s.GetUserByUsername(ctx, tx, username)
}

func (s *Store) GetUserByUsername(ctx context.Context, tx *sql.Tx, username string) (model.User, error) {
	row := tx.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE username = ?`), username)
	return scanUser(row)
}

// GetUserByNumber resolves an internet print identity. Both the number and
// the UUID must match the same account.
func (s *Store) GetUserByNumber(ctx context.Context, tx *sql.Tx, number string, id uuid.UUID) (model.User, error) {
	row := tx.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE user_number = ? AND uuid = ?`), number, id.String())
	return scanUser(row)
}

func (s *Store) SetUserDisabled(ctx context.Context, tx *sql.Tx, username string, disabled bool) error {
	res, err := tx.ExecContext(ctx, s.q(`UPDATE users SET disabled = ?, updated_at = ? WHERE username = ?`), boolInt(disabled), time.Now().UTC(), username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) VerifyUser(ctx context.Context, tx *sql.Tx, username, password string) (model.User, error) {
	u, err := s.GetUserByUsername(ctx, tx, username)
	if err != nil {
		return model.User{}, err
	}
	if err := checkPassword(u.PasswordHash, password); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// Authenticate checks a password and returns the enabled account.
func (s *Store) Authenticate(ctx context.Context, username, password string) (model.User, error) {
	var u model.User
	err := s.WithTx(ctx, true, func(tx *sql.Tx) error {
		var err error
		u, err = s.VerifyUser(ctx, tx, username, password)
		return err
	})
	if err != nil {
		return model.User{}, err
	}
	if u.Disabled {
		return model.User{}, ErrDisabled
	}
	return u, nil
}

// CreateJob records an accepted submission and its spooled document.
func (s *Store) CreateJob(ctx context.Context, tx *sql.Tx, job model.Job) (model.Job, error) {
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}
	err := tx.QueryRowContext(ctx, s.q(`
        INSERT INTO jobs (queue_id, title, user_name, origin_host, protocol, size_bytes, submitted_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        RETURNING id
    `), job.QueueID, job.Title, job.UserName, job.OriginHost, string(job.Protocol), job.SizeBytes, job.SubmittedAt).Scan(&job.ID)
	if err != nil {
		return model.Job{}, err
	}
	if job.SpoolPath != "" {
		_, err = tx.ExecContext(ctx, s.q(`
            INSERT INTO documents (job_id, size_bytes, path, created_at)
            VALUES (?, ?, ?, ?)
        `), job.ID, job.SizeBytes, job.SpoolPath, job.SubmittedAt)
		if err != nil {
			return model.Job{}, err
		}
	}
	return job, nil
}

// AttachDocument records the spool file of a job created before its bytes
// were stored.
func (s *Store) AttachDocument(ctx context.Context, tx *sql.Tx, jobID int64, path string, size int64) error {
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE jobs SET size_bytes = ? WHERE id = ?`), size, jobID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, s.q(`
        INSERT INTO documents (job_id, size_bytes, path, created_at)
        VALUES (?, ?, ?, ?)
    `), jobID, size, path, now)
	return err
}

func (s *Store) GetJob(ctx context.Context, tx *sql.Tx, id int64) (model.Job, error) {
	var j model.Job
	var protocol string
	var spoolPath sql.NullString
	err := tx.QueryRowContext(ctx, s.q(`
        SELECT j.id, j.queue_id, j.title, j.user_name, j.origin_host, j.protocol, j.size_bytes, j.submitted_at,
               (SELECT d.path FROM documents d WHERE d.job_id = j.id ORDER BY d.id LIMIT 1)
        FROM jobs j
        WHERE j.id = ?
    `), id).Scan(&j.ID, &j.QueueID, &j.Title, &j.UserName, &j.OriginHost, &protocol, &j.SizeBytes, &j.SubmittedAt, &spoolPath)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, err
	}
	j.Protocol = model.Protocol(protocol)
	j.SpoolPath = spoolPath.String
	return j, nil
}

func (s *Store) CountJobs(ctx context.Context, tx *sql.Tx, queueID int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM jobs WHERE queue_id = ?`), queueID).Scan(&n)
	return n, err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
