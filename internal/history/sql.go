package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// IDSource generates time-ordered message ids.
type IDSource interface {
	Next() (int64, error)
}

// SQLStore keeps records in relay_msg. The same statements run on MySQL
// and SQLite; only the schema differs.
type SQLStore struct {
	db     *sql.DB
	driver string
	ids    IDSource
}

func NewSQLStore(db *sql.DB, driver string, ids IDSource) *SQLStore {
	return &SQLStore{db: db, driver: driver, ids: ids}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.driver == "sqlite" {
		if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS relay_msg (
  msg_id      INTEGER PRIMARY KEY,
  conv_id     TEXT NOT NULL,
  sender      TEXT NOT NULL,
  recipient   TEXT NOT NULL,
  ciphertext  TEXT NOT NULL,
  create_time INTEGER NOT NULL
)`); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_relay_msg_conv ON relay_msg (conv_id, msg_id)`)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS relay_msg (
  msg_id      BIGINT PRIMARY KEY,
  conv_id     VARCHAR(255) NOT NULL,
  sender      VARCHAR(128) NOT NULL,
  recipient   VARCHAR(128) NOT NULL,
  ciphertext  MEDIUMTEXT NOT NULL,
  create_time BIGINT NOT NULL,
  INDEX idx_relay_msg_conv (conv_id, msg_id)
)`)
	return err
}

func (s *SQLStore) Append(ctx context.Context, sender, recipient string, ciphertext json.RawMessage) error {
	id, err := s.ids.Next()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO relay_msg (msg_id, conv_id, sender, recipient, ciphertext, create_time)
VALUES (?, ?, ?, ?, ?, ?)
`, id, ConvID(sender, recipient), sender, recipient, string(ciphertext), time.Now().UnixMilli())
	return err
}

func (s *SQLStore) RangeQuery(ctx context.Context, userA, userB string, afterID int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT msg_id, conv_id, sender, recipient, ciphertext, create_time
FROM relay_msg
WHERE conv_id = ? AND msg_id > ?
ORDER BY msg_id ASC
LIMIT ?
`, ConvID(userA, userB), afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r      Record
			cipher string
			ms     int64
		)
		if err := rows.Scan(&r.MsgID, &r.ConvID, &r.Sender, &r.Recipient, &cipher, &ms); err != nil {
			return nil, err
		}
		r.Ciphertext = json.RawMessage(cipher)
		r.CreateTime = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}
