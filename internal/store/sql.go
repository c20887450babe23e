package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adamwdraper/the-narrator/core/db"
	"github.com/adamwdraper/the-narrator/internal/model"
)

// SQLStore normalizes threads into the threads, messages and attachments
// tables. Structured fields are JSON columns (TEXT on sqlite, JSONB on postgres).
type SQLStore struct {
	db *db.DB
}

func NewSQLStore(database *db.DB) *SQLStore {
	return &SQLStore{db: database}
}

func (s *SQLStore) Name() string {
	return string(s.db.Dialect())
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return model.NewStorageError("ping", s.Name(), err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type threadRow struct {
	id         string
	title      string
	attributes string
	platforms  string
	createdAt  int64
	updatedAt  int64
	messages   []messageRow
}

type messageRow struct {
	id          string
	role        string
	content     string
	sequence    int
	turn        int
	timestamp   int64
	toolCallID  sql.NullString
	name        sql.NullString
	toolCalls   string
	source      string
	metrics     string
	platforms   string
	reactions   string
	attachments []attachmentRow
}

type attachmentRow struct {
	id             string
	filename       string
	mimeType       sql.NullString
	fileID         sql.NullString
	storagePath    sql.NullString
	storageBackend sql.NullString
	attributes     string
}

// encodeThread marshals every JSON column up front so a value that cannot be
// serialized fails before any row is written. t must have passed checkDurable.
func encodeThread(t *model.Thread) (threadRow, error) {
	row := threadRow{
		id:        t.ID,
		title:     t.Title,
		createdAt: t.CreatedAt.UnixNano(),
		updatedAt: t.UpdatedAt.UnixNano(),
	}

	var err error
	if row.attributes, err = encodeJSON(t.Attributes); err != nil {
		return threadRow{}, fmt.Errorf("attributes: %w", err)
	}
	if row.platforms, err = encodeJSON(t.Platforms); err != nil {
		return threadRow{}, fmt.Errorf("platforms: %w", err)
	}

	for _, m := range t.Messages {
		mr := messageRow{
			id:         m.ID,
			role:       string(m.Role),
			sequence:   *m.Sequence,
			turn:       *m.Turn,
			timestamp:  m.Timestamp.UnixNano(),
			toolCallID: nullString(m.ToolCallID),
			name:       nullString(m.Name),
		}
		if mr.content, err = encodeJSON(m.Content); err != nil {
			return threadRow{}, fmt.Errorf("message %s content: %w", m.ID, err)
		}
		if mr.toolCalls, err = encodeJSON(m.ToolCalls); err != nil {
			return threadRow{}, fmt.Errorf("message %s tool_calls: %w", m.ID, err)
		}
		if mr.source, err = encodeJSON(m.Source); err != nil {
			return threadRow{}, fmt.Errorf("message %s source: %w", m.ID, err)
		}
		if mr.metrics, err = encodeJSON(m.Metrics); err != nil {
			return threadRow{}, fmt.Errorf("message %s metrics: %w", m.ID, err)
		}
		if mr.platforms, err = encodeJSON(m.Platforms); err != nil {
			return threadRow{}, fmt.Errorf("message %s platforms: %w", m.ID, err)
		}
		if mr.reactions, err = encodeJSON(m.Reactions); err != nil {
			return threadRow{}, fmt.Errorf("message %s reactions: %w", m.ID, err)
		}

		for _, a := range m.Attachments {
			stored, _ := a.Stored()
			ar := attachmentRow{
				id:             a.ID,
				filename:       a.Filename,
				mimeType:       nullString(a.MimeType),
				fileID:         nullString(stored.FileID),
				storagePath:    nullString(stored.StoragePath),
				storageBackend: nullString(stored.Backend),
			}
			if ar.attributes, err = encodeJSON(a.Attributes); err != nil {
				return threadRow{}, fmt.Errorf("attachment %s attributes: %w", a.Filename, err)
			}
			mr.attachments = append(mr.attachments, ar)
		}
		row.messages = append(row.messages, mr)
	}
	return row, nil
}

func (s *SQLStore) Save(ctx context.Context, thread *model.Thread) error {
	if err := checkDurable(thread); err != nil {
		return err
	}

	row, err := encodeThread(thread)
	if err != nil {
		return model.NewStorageError("save", thread.ID, err)
	}

	err = s.db.WithTx(ctx, func(q db.Querier) error {
		if _, err := q.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO threads (id, title, attributes, platforms, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
			  title = excluded.title,
			  attributes = excluded.attributes,
			  platforms = excluded.platforms,
			  updated_at = excluded.updated_at`),
			row.id, row.title, row.attributes, row.platforms, row.createdAt, row.updatedAt,
		); err != nil {
			return fmt.Errorf("upserting thread: %w", err)
		}

		// Attachments first: they reference messages.
		if _, err := q.ExecContext(ctx, s.db.Rebind(`DELETE FROM attachments WHERE thread_id = ?`), row.id); err != nil {
			return fmt.Errorf("clearing attachments: %w", err)
		}
		if _, err := q.ExecContext(ctx, s.db.Rebind(`DELETE FROM messages WHERE thread_id = ?`), row.id); err != nil {
			return fmt.Errorf("clearing messages: %w", err)
		}

		insertMessage := s.db.Rebind(`
			INSERT INTO messages (thread_id, id, role, content, sequence, turn, timestamp,
			  tool_call_id, name, tool_calls, source, metrics, platforms, reactions)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		insertAttachment := s.db.Rebind(`
			INSERT INTO attachments (thread_id, message_id, position, id, filename, mime_type,
			  file_id, storage_path, storage_backend, attributes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

		for _, m := range row.messages {
			if _, err := q.ExecContext(ctx, insertMessage,
				row.id, m.id, m.role, m.content, m.sequence, m.turn, m.timestamp,
				m.toolCallID, m.name, m.toolCalls, m.source, m.metrics, m.platforms, m.reactions,
			); err != nil {
				return fmt.Errorf("inserting message %s: %w", m.id, err)
			}
			for i, a := range m.attachments {
				if _, err := q.ExecContext(ctx, insertAttachment,
					row.id, m.id, i, a.id, a.filename, a.mimeType,
					a.fileID, a.storagePath, a.storageBackend, a.attributes,
				); err != nil {
					return fmt.Errorf("inserting attachment %s: %w", a.filename, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return model.NewStorageError("save", thread.ID, err)
	}
	return nil
}

const threadColumns = `id, title, attributes, platforms, created_at, updated_at`

func (s *SQLStore) Get(ctx context.Context, id string) (*model.Thread, error) {
	q := s.db.Queries()

	var row threadRow
	err := q.QueryRowContext(ctx, s.db.Rebind(`SELECT `+threadColumns+` FROM threads WHERE id = ?`), id).
		Scan(&row.id, &row.title, &row.attributes, &row.platforms, &row.createdAt, &row.updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
		}
		return nil, model.NewStorageError("get", id, err)
	}

	thread, err := s.hydrate(ctx, q, row)
	if err != nil {
		return nil, model.NewStorageError("get", id, err)
	}
	return thread, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.db.WithTx(ctx, func(q db.Querier) error {
		if _, err := q.ExecContext(ctx, s.db.Rebind(`DELETE FROM attachments WHERE thread_id = ?`), id); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, s.db.Rebind(`DELETE FROM messages WHERE thread_id = ?`), id); err != nil {
			return err
		}
		res, err := q.ExecContext(ctx, s.db.Rebind(`DELETE FROM threads WHERE id = ?`), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, model.NewStorageError("delete", id, err)
	}
	return deleted, nil
}

func (s *SQLStore) List(ctx context.Context, limit, offset int) ([]*model.Thread, error) {
	if offset < 0 {
		offset = 0
	}
	return s.queryThreads(ctx, "", []any{}, normalizeLimit(limit), offset)
}

func (s *SQLStore) ListRecent(ctx context.Context, limit int) ([]*model.Thread, error) {
	return s.List(ctx, limit, 0)
}

func (s *SQLStore) FindByAttributes(ctx context.Context, attributes map[string]any) ([]*model.Thread, error) {
	terms, err := encodeFilter(attributes)
	if err != nil {
		return nil, err
	}

	var (
		conds []string
		args  []any
	)
	for _, term := range terms {
		cond, condArgs := s.equalsPredicate("attributes", []string{term.key}, term.value)
		conds = append(conds, cond)
		args = append(args, condArgs...)
	}
	return s.queryThreads(ctx, strings.Join(conds, " AND "), args, 0, 0)
}

func (s *SQLStore) FindByPlatform(ctx context.Context, platform string, filter map[string]any) ([]*model.Thread, error) {
	if err := checkKey(platform); err != nil {
		return nil, err
	}
	terms, err := encodeFilter(filter)
	if err != nil {
		return nil, err
	}

	cond, args := s.existsPredicate("platforms", platform)
	conds := []string{cond}
	for _, term := range terms {
		c, a := s.equalsPredicate("platforms", []string{platform, term.key}, term.value)
		conds = append(conds, c)
		args = append(args, a...)
	}
	return s.queryThreads(ctx, strings.Join(conds, " AND "), args, 0, 0)
}

// equalsPredicate matches column[path...] against a JSON-encoded value.
func (s *SQLStore) equalsPredicate(column string, path []string, value string) (string, []any) {
	if s.db.Dialect() == db.DialectPostgres {
		expr := column
		args := make([]any, 0, len(path)+1)
		for _, key := range path {
			expr += " -> ?::text"
			args = append(args, key)
		}
		return "(" + expr + ") = ?::jsonb", append(args, value)
	}

	p := sqlitePath(path)
	return fmt.Sprintf("json_type(%s, ?) = json_type(?, '$') AND json_extract(%s, ?) IS json_extract(?, '$')", column, column),
		[]any{p, value, p, value}
}

func (s *SQLStore) existsPredicate(column, key string) (string, []any) {
	if s.db.Dialect() == db.DialectPostgres {
		return "(" + column + " -> ?::text) IS NOT NULL", []any{key}
	}
	return fmt.Sprintf("json_type(%s, ?) IS NOT NULL", column), []any{sqlitePath([]string{key})}
}

func sqlitePath(keys []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, k := range keys {
		b.WriteString(`."`)
		b.WriteString(k)
		b.WriteString(`"`)
	}
	return b.String()
}

// queryThreads loads matching threads, most recently updated first. A zero
// limit means no limit.
func (s *SQLStore) queryThreads(ctx context.Context, where string, args []any, limit, offset int) ([]*model.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads`
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY updated_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	q := s.db.Queries()
	rows, err := q.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, model.NewStorageError("list", "", err)
	}

	var threadRows []threadRow
	for rows.Next() {
		var row threadRow
		if err := rows.Scan(&row.id, &row.title, &row.attributes, &row.platforms, &row.createdAt, &row.updatedAt); err != nil {
			rows.Close()
			return nil, model.NewStorageError("list", "", err)
		}
		threadRows = append(threadRows, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, model.NewStorageError("list", "", err)
	}
	// Closed before hydrating: sqlite runs on a single connection.
	rows.Close()

	threads := make([]*model.Thread, 0, len(threadRows))
	for _, row := range threadRows {
		t, err := s.hydrate(ctx, q, row)
		if err != nil {
			return nil, model.NewStorageError("list", row.id, err)
		}
		threads = append(threads, t)
	}
	return threads, nil
}

// hydrate decodes the thread row and eager-loads its messages and
// attachments in one joined query.
func (s *SQLStore) hydrate(ctx context.Context, q db.Querier, row threadRow) (*model.Thread, error) {
	t := &model.Thread{
		ID:        row.id,
		Title:     row.title,
		CreatedAt: time.Unix(0, row.createdAt).UTC(),
		UpdatedAt: time.Unix(0, row.updatedAt).UTC(),
		Messages:  []*model.Message{},
	}
	if err := decodeJSON(row.attributes, &t.Attributes); err != nil {
		return nil, fmt.Errorf("decoding attributes: %w", err)
	}
	if err := decodeJSON(row.platforms, &t.Platforms); err != nil {
		return nil, fmt.Errorf("decoding platforms: %w", err)
	}

	rows, err := q.QueryContext(ctx, s.db.Rebind(`
		SELECT m.id, m.role, m.content, m.sequence, m.turn, m.timestamp,
		  m.tool_call_id, m.name, m.tool_calls, m.source, m.metrics, m.platforms, m.reactions,
		  a.id, a.filename, a.mime_type, a.file_id, a.storage_path, a.storage_backend, a.attributes
		FROM messages m
		LEFT JOIN attachments a ON a.thread_id = m.thread_id AND a.message_id = m.id
		WHERE m.thread_id = ?
		ORDER BY m.sequence, a.position`), row.id)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	var current *model.Message
	for rows.Next() {
		var (
			mr messageRow
			ar struct {
				id, filename, mimeType, fileID, storagePath, storageBackend, attributes sql.NullString
			}
			toolCalls, source, metrics, platforms sql.NullString
		)
		if err := rows.Scan(
			&mr.id, &mr.role, &mr.content, &mr.sequence, &mr.turn, &mr.timestamp,
			&mr.toolCallID, &mr.name, &toolCalls, &source, &metrics, &platforms, &mr.reactions,
			&ar.id, &ar.filename, &ar.mimeType, &ar.fileID, &ar.storagePath, &ar.storageBackend, &ar.attributes,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		if current == nil || current.ID != mr.id {
			mr.toolCalls, mr.source, mr.metrics, mr.platforms = toolCalls.String, source.String, metrics.String, platforms.String
			m, err := decodeMessage(mr)
			if err != nil {
				return nil, err
			}
			t.Messages = append(t.Messages, m)
			current = m
		}

		if ar.id.Valid {
			var attrs map[string]any
			if err := decodeJSON(ar.attributes.String, &attrs); err != nil {
				return nil, fmt.Errorf("decoding attachment %s attributes: %w", ar.filename.String, err)
			}
			current.Attachments = append(current.Attachments, model.RestoreAttachment(
				ar.id.String, ar.filename.String, ar.mimeType.String,
				model.Stored{FileID: ar.fileID.String, StoragePath: ar.storagePath.String, Backend: ar.storageBackend.String},
				attrs,
			))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return t, nil
}

func decodeMessage(mr messageRow) (*model.Message, error) {
	seq, turn := mr.sequence, mr.turn
	m := &model.Message{
		ID:         mr.id,
		Role:       model.Role(mr.role),
		Timestamp:  time.Unix(0, mr.timestamp).UTC(),
		Sequence:   &seq,
		Turn:       &turn,
		ToolCallID: mr.toolCallID.String,
		Name:       mr.name.String,
	}

	fields := []struct {
		name string
		raw  string
		dst  any
	}{
		{"content", mr.content, &m.Content},
		{"tool_calls", mr.toolCalls, &m.ToolCalls},
		{"source", mr.source, &m.Source},
		{"metrics", mr.metrics, &m.Metrics},
		{"platforms", mr.platforms, &m.Platforms},
		{"reactions", mr.reactions, &m.Reactions},
	}
	for _, f := range fields {
		if err := decodeJSON(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decoding message %s %s: %w", mr.id, f.name, err)
		}
	}
	return m, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeJSON leaves dst untouched for an empty column. Numbers decode as
// json.Number so integers beyond float64 precision survive.
func decodeJSON(raw string, dst any) error {
	if raw == "" {
		return nil
	}
	return unmarshalJSON([]byte(raw), dst)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
