package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	logx "newsbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, trigger_spec, payload, delayed_child_id FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var r TaskRecord
		var payload, child sql.NullString
		if err := rows.Scan(&r.ID, &r.Kind, &r.Trigger, &payload, &child); err != nil {
			return nil, err
		}
		if payload.Valid {
			r.Payload = json.RawMessage(payload.String)
		}
		r.DelayedChildID = child.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutTask(ctx context.Context, rec TaskRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, type, trigger_spec, payload, delayed_child_id) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET type=excluded.type, trigger_spec=excluded.trigger_spec,
		   payload=excluded.payload, delayed_child_id=excluded.delayed_child_id`,
		rec.ID, rec.Kind, rec.Trigger, nullStr(string(rec.Payload)), nullStr(rec.DelayedChildID),
	)
	return err
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) LoadCatalog(ctx context.Context) (CatalogRecord, error) {
	var rec CatalogRecord
	meta, err := s.db.QueryContext(ctx, `SELECT k, v FROM catalog_meta`)
	if err != nil {
		return rec, err
	}
	for meta.Next() {
		var k, v string
		if err := meta.Scan(&k, &v); err != nil {
			meta.Close()
			return rec, err
		}
		switch k {
		case "seq":
			rec.Seq, _ = strconv.ParseUint(v, 10, 64)
		case "synced_at":
			rec.SyncedAt, _ = time.Parse(time.RFC3339Nano, v)
		}
	}
	meta.Close()

	orgs, err := s.db.QueryContext(ctx,
		`SELECT abbr, name, description, website, logo, color, chat_id FROM orgs ORDER BY pos`)
	if err != nil {
		return rec, err
	}
	defer orgs.Close()
	for orgs.Next() {
		var o OrgRecord
		var desc, web, logo, color sql.NullString
		var chat sql.NullInt64
		if err := orgs.Scan(&o.Abbr, &o.Name, &desc, &web, &logo, &color, &chat); err != nil {
			return rec, err
		}
		o.Description, o.Website, o.Logo, o.Color, o.ChatID = desc.String, web.String, logo.String, color.String, chat.Int64
		rec.Orgs = append(rec.Orgs, o)
	}
	if err := orgs.Err(); err != nil {
		return rec, err
	}

	events, err := s.db.QueryContext(ctx,
		`SELECT id, org, name, description, location, team, speaker, speaker_contact, poster, start_at, end_at
		 FROM events ORDER BY id`)
	if err != nil {
		return rec, err
	}
	defer events.Close()
	for events.Next() {
		var e EventRecord
		var desc, loc, team, speaker, contact, poster sql.NullString
		var start, end string
		if err := events.Scan(&e.ID, &e.OrgAbbr, &e.Name, &desc, &loc, &team, &speaker, &contact, &poster, &start, &end); err != nil {
			return rec, err
		}
		e.Description, e.Location, e.Team = desc.String, loc.String, team.String
		e.Speaker, e.SpeakerContact, e.PosterURL = speaker.String, contact.String, poster.String
		if e.Start, err = time.Parse(time.RFC3339Nano, start); err != nil {
			return rec, fmt.Errorf("event %d start: %w", e.ID, err)
		}
		if e.End, err = time.Parse(time.RFC3339Nano, end); err != nil {
			return rec, fmt.Errorf("event %d end: %w", e.ID, err)
		}
		rec.Events = append(rec.Events, e)
	}
	return rec, events.Err()
}

// ReplaceCatalog deletes the previous generation and inserts the new one
// row by row, outside a transaction.
func (s *sqliteStore) ReplaceCatalog(ctx context.Context, rec CatalogRecord) error {
	for _, q := range []string{`DELETE FROM events`, `DELETE FROM orgs`, `DELETE FROM catalog_meta`} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	for i, o := range rec.Orgs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO orgs(pos, abbr, name, description, website, logo, color, chat_id) VALUES(?,?,?,?,?,?,?,?)`,
			i, o.Abbr, o.Name, nullStr(o.Description), nullStr(o.Website), nullStr(o.Logo), nullStr(o.Color), o.ChatID,
		); err != nil {
			return fmt.Errorf("insert org %s: %w", o.Abbr, err)
		}
	}
	for _, e := range rec.Events {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO events(id, org, name, description, location, team, speaker, speaker_contact, poster, start_at, end_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
			e.ID, e.OrgAbbr, e.Name, nullStr(e.Description), nullStr(e.Location), nullStr(e.Team),
			nullStr(e.Speaker), nullStr(e.SpeakerContact), nullStr(e.PosterURL),
			e.Start.Format(time.RFC3339Nano), e.End.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert event %d: %w", e.ID, err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO catalog_meta(k, v) VALUES('seq', ?), ('synced_at', ?)`,
		strconv.FormatUint(rec.Seq, 10), rec.SyncedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetMember(ctx context.Context, userID int64) (Member, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, chat_id, subscribed, unfollowed, updated_at FROM members WHERE user_id = ?`, userID)
	m, err := scanMember(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Member{}, false, nil
	}
	if err != nil {
		return Member{}, false, err
	}
	return m, true, nil
}

func (s *sqliteStore) PutMember(ctx context.Context, m Member) error {
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now()
	}
	var unfollowed any
	if len(m.Unfollowed) > 0 {
		b, err := json.Marshal(m.Unfollowed)
		if err != nil {
			return err
		}
		unfollowed = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members(user_id, chat_id, subscribed, unfollowed, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET chat_id=excluded.chat_id, subscribed=excluded.subscribed,
		   unfollowed=excluded.unfollowed, updated_at=excluded.updated_at`,
		m.UserID, m.ChatID, boolInt(m.Subscribed), unfollowed, m.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListMembers(ctx context.Context) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, chat_id, subscribed, unfollowed, updated_at FROM members ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		m, err := scanMember(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMember(scan func(dest ...any) error) (Member, error) {
	var m Member
	var sub int
	var unfollowed sql.NullString
	var updated string
	if err := scan(&m.UserID, &m.ChatID, &sub, &unfollowed, &updated); err != nil {
		return Member{}, err
	}
	m.Subscribed = sub != 0
	if unfollowed.Valid && unfollowed.String != "" {
		if err := json.Unmarshal([]byte(unfollowed.String), &m.Unfollowed); err != nil {
			return Member{}, fmt.Errorf("member %d unfollowed: %w", m.UserID, err)
		}
	}
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return m, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, component, action, target, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Component, e.Action, nullStr(e.Target), boolInt(e.OK), nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
