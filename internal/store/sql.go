package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"reliefdispatch/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// runLockKey is the postgres advisory lock serialising assignment runs.
const runLockKey = 7246001

type dialect string

const (
	dialectPostgres dialect = "postgres"
	dialectSQLite   dialect = "sqlite"
)

// SQL implements Inventory, ResultCache and Webhooks on postgres or sqlite.
type SQL struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// NewPostgres opens a pgx-backed pool and checks connectivity.
func NewPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQL{db: db, dialect: dialectPostgres, now: time.Now}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite opens (creating if needed) a sqlite database file. Use ":memory:" for a private
// in-process database.
func NewSQLite(ctx context.Context, path string) (*SQL, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection: sqlite has a single writer, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	s := &SQL{db: db, dialect: dialectSQLite, now: time.Now}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// WithClock overrides the time source for cache expiry and delivery scheduling.
func (s *SQL) WithClock(now func() time.Time) *SQL {
	s.now = now
	return s
}

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) Driver() string { return string(s.dialect) }

func (s *SQL) Ping(ctx context.Context) error {
	return s.wrap(s.db.PingContext(ctx))
}

// Migrate applies the embedded migrations not yet recorded in schema_migrations, in file order.
func (s *SQL) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return s.wrap(err)
	}
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		version := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")
		var n int
		if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version=?`), version).Scan(&n); err != nil {
			return s.wrap(err)
		}
		if n > 0 {
			continue
		}
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return s.wrap(err)
		}
		for _, stmt := range splitStatements(string(body)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %s: %w", version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), version, s.now().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return s.wrap(err)
		}
	}
	return nil
}

// Inventory

func (s *SQL) UpsertAreas(ctx context.Context, areas []model.Area) error {
	docs := make(map[string][]byte, len(areas))
	ids := make([]string, 0, len(areas))
	for _, a := range areas {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("upsert areas: encode %s: %w", a.AreaID, err)
		}
		if _, dup := docs[a.AreaID]; !dup {
			ids = append(ids, a.AreaID)
		}
		docs[a.AreaID] = b
	}
	return s.upsert(ctx, "areas", ids, docs)
}

func (s *SQL) UpsertTrucks(ctx context.Context, trucks []model.Truck) error {
	docs := make(map[string][]byte, len(trucks))
	ids := make([]string, 0, len(trucks))
	for _, t := range trucks {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("upsert trucks: encode %s: %w", t.TruckID, err)
		}
		if _, dup := docs[t.TruckID]; !dup {
			ids = append(ids, t.TruckID)
		}
		docs[t.TruckID] = b
	}
	return s.upsert(ctx, "trucks", ids, docs)
}

// upsert writes a batch in one transaction. New ids get the next sequence numbers; existing ids
// keep theirs.
func (s *SQL) upsert(ctx context.Context, table string, ids []string, docs map[string][]byte) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == dialectPostgres {
		// serialise sequence allocation with runs and other batches
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, runLockKey); err != nil {
			return s.wrap(err)
		}
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM `+table).Scan(&seq); err != nil {
		return s.wrap(err)
	}
	q := s.rebind(`INSERT INTO ` + table + ` (id, seq, doc) VALUES (?, ?, ?) ON CONFLICT (id) DO UPDATE SET doc = excluded.doc`)
	for _, id := range ids {
		seq++
		if _, err := tx.ExecContext(ctx, q, id, seq, string(docs[id])); err != nil {
			return s.wrap(err)
		}
	}
	return s.wrap(tx.Commit())
}

func (s *SQL) ListAreas(ctx context.Context) ([]model.Area, error) {
	return listAreas(ctx, s.db, s)
}

func (s *SQL) ListTrucks(ctx context.Context) ([]model.Truck, error) {
	return listTrucks(ctx, s.db, s, "")
}

// ApplyRun runs fn inside one transaction. On postgres an advisory lock serialises runs and the
// truck rows are locked for update; sqlite has a single connection, which serialises everything.
func (s *SQL) ApplyRun(ctx context.Context, fn RunFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	lockClause := ""
	if s.dialect == dialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, runLockKey); err != nil {
			return s.wrap(err)
		}
		lockClause = " FOR UPDATE"
	}
	areas, err := listAreas(ctx, tx, s)
	if err != nil {
		return err
	}
	trucks, err := listTrucks(ctx, tx, s, lockClause)
	if err != nil {
		return err
	}
	updated, err := fn(areas, trucks)
	if err != nil {
		return err
	}
	q := s.rebind(`UPDATE trucks SET doc = ? WHERE id = ?`)
	for _, t := range updated {
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, string(b), t.TruckID); err != nil {
			return s.wrap(err)
		}
	}
	return s.wrap(tx.Commit())
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listDocs(ctx context.Context, q queryer, s *SQL, table, suffix string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT doc FROM `+table+` ORDER BY seq, id`+suffix)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, s.wrap(rows.Err())
}

func listAreas(ctx context.Context, q queryer, s *SQL) ([]model.Area, error) {
	docs, err := listDocs(ctx, q, s, "areas", "")
	if err != nil {
		return nil, err
	}
	out := make([]model.Area, 0, len(docs))
	for _, d := range docs {
		var a model.Area
		if err := json.Unmarshal([]byte(d), &a); err != nil {
			return nil, fmt.Errorf("decode area: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func listTrucks(ctx context.Context, q queryer, s *SQL, suffix string) ([]model.Truck, error) {
	docs, err := listDocs(ctx, q, s, "trucks", suffix)
	if err != nil {
		return nil, err
	}
	out := make([]model.Truck, 0, len(docs))
	for _, d := range docs {
		var t model.Truck
		if err := json.Unmarshal([]byte(d), &t); err != nil {
			return nil, fmt.Errorf("decode truck: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Result cache

func (s *SQL) SetAssignments(ctx context.Context, batch model.Batch, ttl time.Duration) error {
	b, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO assignments_cache (key, payload, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at`),
		AssignmentsKey, string(b), s.now().Add(ttl).UnixMilli())
	return s.wrap(err)
}

func (s *SQL) GetAssignments(ctx context.Context) (model.Batch, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM assignments_cache WHERE key = ? AND expires_at > ?`),
		AssignmentsKey, s.now().UnixMilli()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Batch{}, false, nil
	}
	if err != nil {
		return model.Batch{}, false, s.wrap(err)
	}
	var batch model.Batch
	if err := json.Unmarshal([]byte(payload), &batch); err != nil {
		return model.Batch{}, false, fmt.Errorf("decode cached assignments: %w", err)
	}
	return batch, true, nil
}

func (s *SQL) ClearAssignments(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM assignments_cache WHERE key = ?`), AssignmentsKey)
	return s.wrap(err)
}

// Subscriptions

func (s *SQL) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	sub := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret, CreatedAt: s.now().UTC().Truncate(time.Millisecond)}
	ev, _ := json.Marshal(req.Events)
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO subscriptions (id, url, events, secret, created_at) VALUES (?, ?, ?, ?, ?)`),
		sub.ID, sub.URL, string(ev), sub.Secret, sub.CreatedAt.UnixMilli())
	if err != nil {
		return model.Subscription{}, s.wrap(err)
	}
	return sub, nil
}

func (s *SQL) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, url, events, secret, created_at FROM subscriptions ORDER BY created_at, id`)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var sub model.Subscription
		var ev string
		var created int64
		if err := rows.Scan(&sub.ID, &sub.URL, &ev, &sub.Secret, &created); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(ev), &sub.Events)
		sub.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, sub)
	}
	return out, s.wrap(rows.Err())
}

func (s *SQL) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM subscriptions WHERE id = ?`), id)
	if err != nil {
		return s.wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSubscriptionsForEvent filters in Go; the event list is a JSON array in both dialects.
func (s *SQL) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	all, err := s.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	out := []model.Subscription{}
	for _, sub := range all {
		for _, e := range sub.Events {
			if e == eventType {
				out = append(out, sub)
				break
			}
		}
	}
	return out, nil
}

// Webhook deliveries

// EnqueueWebhook inserts a pending delivery. A payload already queued for the same event and URL
// is ignored and the returned id is empty.
func (s *SQL) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO webhook_deliveries
		(id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (event_type, url, dedup_key) DO NOTHING`),
		id, subscriptionID, eventType, url, secret, string(payload), model.DeliveryPending, now, computeDedupKey(payload), now)
	if err != nil {
		return "", s.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", s.wrap(err)
	}
	if n == 0 {
		return "", nil
	}
	return id, nil
}

func (s *SQL) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]model.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, subscription_id, event_type, url, secret, payload, status, attempts
		FROM webhook_deliveries WHERE status IN (?, ?) AND next_attempt_at <= ? ORDER BY next_attempt_at, created_at LIMIT ?`),
		model.DeliveryPending, model.DeliveryRetry, s.now().UnixMilli(), limit)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()
	out := []model.WebhookDelivery{}
	for rows.Next() {
		var d model.WebhookDelivery
		var payload string
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		d.Payload = []byte(payload)
		out = append(out, d)
	}
	return out, s.wrap(rows.Err())
}

func (s *SQL) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	var (
		res sql.Result
		err error
	)
	if success {
		res, err = s.db.ExecContext(ctx, s.rebind(`UPDATE webhook_deliveries SET status = ?, attempts = attempts + 1, delivered_at = ?, response_code = ?, latency_ms = ? WHERE id = ?`),
			model.DeliveryDelivered, s.now().UnixMilli(), responseCode, latencyMs, id)
	} else {
		next := s.now().Add(time.Minute)
		if nextAttemptAt != nil {
			next = *nextAttemptAt
		}
		res, err = s.db.ExecContext(ctx, s.rebind(`UPDATE webhook_deliveries SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?, response_code = ?, latency_ms = ? WHERE id = ?`),
			model.DeliveryRetry, lastError, next.UnixMilli(), responseCode, latencyMs, id)
	}
	return s.affected(res, err)
}

// FailWebhookDelivery parks a delivery in the terminal failed state.
func (s *SQL) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE webhook_deliveries SET status = ?, attempts = attempts + 1, last_error = ?, response_code = ?, latency_ms = ? WHERE id = ?`),
		model.DeliveryFailed, lastError, responseCode, latencyMs, id)
	return s.affected(res, err)
}

func (s *SQL) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]model.WebhookDelivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, subscription_id, event_type, url, status, attempts, next_attempt_at, last_error, response_code, latency_ms FROM webhook_deliveries`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()
	out := []model.WebhookDelivery{}
	for rows.Next() {
		var d model.WebhookDelivery
		var next int64
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Status, &d.Attempts, &next, &d.LastError, &d.ResponseCode, &d.LatencyMs); err != nil {
			return nil, err
		}
		if d.Status == model.DeliveryPending || d.Status == model.DeliveryRetry {
			t := time.UnixMilli(next).UTC()
			d.NextAttemptAt = &t
		}
		out = append(out, d)
	}
	return out, s.wrap(rows.Err())
}

func (s *SQL) affected(res sql.Result, err error) error {
	if err != nil {
		return s.wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *SQL) rebind(q string) string {
	if s.dialect != dialectPostgres {
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

// wrap marks connectivity failures as ErrUnavailable; other errors pass through.
func (s *SQL) wrap(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	var connErr *pgconn.ConnectError
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) || errors.As(err, &connErr) {
		return unavailable(string(s.dialect), err)
	}
	if strings.Contains(err.Error(), "database is closed") {
		return unavailable(string(s.dialect), err)
	}
	return err
}

func splitStatements(body string) []string {
	var out []string
	var cur strings.Builder
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			out = append(out, strings.TrimSuffix(strings.TrimSpace(cur.String()), ";"))
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

// computeDedupKey uses the payload's "id" field when present, else a short content hash.
func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}
