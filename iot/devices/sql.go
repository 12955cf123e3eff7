package devices

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/relabs-tech/devicecloud/core/csql"
)

// SQLStore is the relational implementation of Store
type SQLStore struct {
	sqlOps
	db *csql.DB
}

// Builder is a builder helper for the SQLStore
type Builder struct {
	// DB is a postgres or sqlite database. This is mandatory.
	DB *csql.DB
}

// NewSQLStore creates the sql relations for devices, owner links and access rules
// (if they do not exist) and returns a store operating on them.
func NewSQLStore(b *Builder) (*SQLStore, error) {
	if b.DB == nil {
		panic("DB is missing")
	}
	s := &SQLStore{db: b.DB, sqlOps: sqlOps{db: b.DB, q: b.DB.DB}}
	if err := s.createTablesIfNotExist(); err != nil {
		return nil, err
	}
	return s, nil
}

// MustNewSQLStore is like NewSQLStore but panics on error
func MustNewSQLStore(b *Builder) *SQLStore {
	s, err := NewSQLStore(b)
	if err != nil {
		panic(err)
	}
	return s
}

// poor man's database migrations
func (s *SQLStore) createTablesIfNotExist() error {
	device, ownerLink, accessRule := s.db.Table("device"), s.db.Table("owner_link"), s.db.Table("access_rule")
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + device + `
(device_id varchar PRIMARY KEY,
credential_hash varchar NOT NULL,
enabled boolean NOT NULL DEFAULT TRUE,
superuser boolean NOT NULL DEFAULT FALSE,
model varchar NOT NULL DEFAULT '',
type varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL,
updated_at timestamp NOT NULL,
last_connection_at timestamp,
last_connection_addr varchar NOT NULL DEFAULT ''
);`,
		`CREATE TABLE IF NOT EXISTS ` + ownerLink + `
(user_id varchar NOT NULL,
device_id varchar NOT NULL REFERENCES ` + device + `(device_id),
display_name varchar NOT NULL DEFAULT '',
is_primary_owner boolean NOT NULL DEFAULT FALSE,
created_at timestamp NOT NULL,
PRIMARY KEY(user_id, device_id)
);`,
		`CREATE INDEX IF NOT EXISTS owner_link_device_idx ON ` + ownerLink + `(device_id);`,
		`CREATE TABLE IF NOT EXISTS ` + accessRule + `
(device_id varchar NOT NULL,
topic varchar NOT NULL,
mode integer NOT NULL,
enabled boolean NOT NULL DEFAULT TRUE,
created_at timestamp NOT NULL,
updated_at timestamp NOT NULL,
PRIMARY KEY(device_id, topic)
);`,
	}
	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return fmt.Errorf("cannot create device tables: %w", err)
		}
	}
	return nil
}

// InTx runs fn in a database transaction
func (s *SQLStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cannot begin transaction: %w", err)
	}
	if err := fn(&sqlOps{db: s.db, q: tx, lockRows: s.db.Driver == csql.Postgres}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cannot commit transaction: %w", err)
	}
	return nil
}

// sqlOps implements Tx on either the database or a transaction
type sqlOps struct {
	db *csql.DB
	q  csql.Queryer
	// lockRows makes Device lock the row until the end of the transaction. Sqlite
	// serializes transactions on its single connection and needs no row locks.
	lockRows bool
}

func (o *sqlOps) Device(ctx context.Context, deviceID string) (*Device, error) {
	query := o.db.Rebind(`SELECT device_id, credential_hash, enabled, superuser, model, type, created_at, updated_at,
last_connection_at, last_connection_addr FROM ` + o.db.Table("device") + ` WHERE device_id=$1`)
	if o.lockRows {
		query += " FOR UPDATE"
	}
	var d Device
	var lastConnection sql.NullTime
	err := o.q.QueryRowContext(ctx, query, deviceID).Scan(&d.ID, &d.CredentialHash, &d.Enabled, &d.Superuser,
		&d.Model, &d.Type, &d.CreatedAt, &d.UpdatedAt, &lastConnection, &d.LastConnectionAddr)
	if err == csql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read device %s: %w", deviceID, err)
	}
	if lastConnection.Valid {
		t := lastConnection.Time.UTC()
		d.LastConnectionAt = &t
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func (o *sqlOps) OwnerLinks(ctx context.Context, deviceID string) ([]OwnerLink, error) {
	query := o.db.Rebind(`SELECT user_id, device_id, display_name, is_primary_owner, created_at FROM ` +
		o.db.Table("owner_link") + ` WHERE device_id=$1 ORDER BY created_at, user_id;`)
	rows, err := o.q.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("cannot read owner links of %s: %w", deviceID, err)
	}
	defer rows.Close()
	var links []OwnerLink
	for rows.Next() {
		var l OwnerLink
		if err := rows.Scan(&l.UserID, &l.DeviceID, &l.DisplayName, &l.IsPrimaryOwner, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.CreatedAt = l.CreatedAt.UTC()
		links = append(links, l)
	}
	return links, rows.Err()
}

func (o *sqlOps) OwnedDevices(ctx context.Context, userID string) ([]OwnedDevice, error) {
	query := o.db.Rebind(`SELECT l.user_id, l.device_id, l.display_name, l.is_primary_owner, l.created_at, d.model, d.type
FROM ` + o.db.Table("owner_link") + ` l JOIN ` + o.db.Table("device") + ` d ON d.device_id = l.device_id
WHERE l.user_id=$1 ORDER BY l.device_id;`)
	rows, err := o.q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("cannot read devices of %s: %w", userID, err)
	}
	defer rows.Close()
	var owned []OwnedDevice
	for rows.Next() {
		var d OwnedDevice
		if err := rows.Scan(&d.UserID, &d.DeviceID, &d.DisplayName, &d.IsPrimaryOwner, &d.CreatedAt, &d.Model, &d.Type); err != nil {
			return nil, err
		}
		d.CreatedAt = d.CreatedAt.UTC()
		owned = append(owned, d)
	}
	return owned, rows.Err()
}

func (o *sqlOps) AccessRules(ctx context.Context, deviceID string) ([]AccessRule, error) {
	query := o.db.Rebind(`SELECT device_id, topic, mode, enabled, created_at, updated_at FROM ` +
		o.db.Table("access_rule") + ` WHERE device_id=$1 ORDER BY topic;`)
	rows, err := o.q.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("cannot read access rules of %s: %w", deviceID, err)
	}
	defer rows.Close()
	var rules []AccessRule
	for rows.Next() {
		var r AccessRule
		if err := rows.Scan(&r.DeviceID, &r.Topic, &r.Mode, &r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		r.UpdatedAt = r.UpdatedAt.UTC()
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (o *sqlOps) UpsertDevice(ctx context.Context, d Device) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	var lastConnection sql.NullTime
	if d.LastConnectionAt != nil {
		lastConnection = sql.NullTime{Time: d.LastConnectionAt.UTC(), Valid: true}
	}
	query := o.db.Rebind(`INSERT INTO ` + o.db.Table("device") + `
(device_id, credential_hash, enabled, superuser, model, type, created_at, updated_at, last_connection_at, last_connection_addr)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (device_id) DO UPDATE SET credential_hash=excluded.credential_hash, enabled=excluded.enabled,
superuser=excluded.superuser, model=excluded.model, type=excluded.type, updated_at=excluded.updated_at,
last_connection_at=excluded.last_connection_at, last_connection_addr=excluded.last_connection_addr;`)
	_, err := o.q.ExecContext(ctx, query, d.ID, d.CredentialHash, d.Enabled, d.Superuser, d.Model, d.Type,
		d.CreatedAt.UTC(), now, lastConnection, d.LastConnectionAddr)
	if err != nil {
		return fmt.Errorf("cannot upsert device %s: %w", d.ID, err)
	}
	return nil
}

func (o *sqlOps) SetCredential(ctx context.Context, deviceID, credentialHash string) error {
	query := o.db.Rebind(`UPDATE ` + o.db.Table("device") + ` SET credential_hash=$2, updated_at=$3 WHERE device_id=$1;`)
	return o.expectOne(ctx, deviceID, query, deviceID, credentialHash, time.Now().UTC())
}

func (o *sqlOps) TouchConnection(ctx context.Context, deviceID, addr string, at time.Time) error {
	query := o.db.Rebind(`UPDATE ` + o.db.Table("device") + ` SET last_connection_at=$2, last_connection_addr=$3 WHERE device_id=$1;`)
	return o.expectOne(ctx, deviceID, query, deviceID, at.UTC(), addr)
}

func (o *sqlOps) expectOne(ctx context.Context, deviceID, query string, args ...interface{}) error {
	res, err := o.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("cannot update device %s: %w", deviceID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (o *sqlOps) InsertOwnerLink(ctx context.Context, l OwnerLink) (bool, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	query := o.db.Rebind(`INSERT INTO ` + o.db.Table("owner_link") + `
(user_id, device_id, display_name, is_primary_owner, created_at) VALUES($1, $2, $3, $4, $5)
ON CONFLICT (user_id, device_id) DO NOTHING;`)
	res, err := o.q.ExecContext(ctx, query, l.UserID, l.DeviceID, l.DisplayName, l.IsPrimaryOwner, l.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("cannot insert owner link %s/%s: %w", l.UserID, l.DeviceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (o *sqlOps) DeleteOwnerLink(ctx context.Context, userID, deviceID string) (bool, error) {
	query := o.db.Rebind(`DELETE FROM ` + o.db.Table("owner_link") + ` WHERE user_id=$1 AND device_id=$2;`)
	res, err := o.q.ExecContext(ctx, query, userID, deviceID)
	if err != nil {
		return false, fmt.Errorf("cannot delete owner link %s/%s: %w", userID, deviceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (o *sqlOps) UpsertAccessRule(ctx context.Context, r AccessRule) error {
	now := time.Now().UTC()
	query := o.db.Rebind(`INSERT INTO ` + o.db.Table("access_rule") + `
(device_id, topic, mode, enabled, created_at, updated_at) VALUES($1, $2, $3, $4, $5, $5)
ON CONFLICT (device_id, topic) DO UPDATE SET mode=excluded.mode, enabled=excluded.enabled, updated_at=excluded.updated_at;`)
	if _, err := o.q.ExecContext(ctx, query, r.DeviceID, r.Topic, int(r.Mode), r.Enabled, now); err != nil {
		return fmt.Errorf("cannot upsert access rule %s %s: %w", r.DeviceID, r.Topic, err)
	}
	return nil
}

func (o *sqlOps) DeleteAccessRulesLike(ctx context.Context, deviceID, pattern string) (int64, error) {
	match := `topic LIKE $2`
	if o.db.Driver == csql.SQLite {
		// sqlite's LIKE ignores ASCII case, GLOB does not
		match = `topic GLOB $2`
		pattern = globPattern(pattern)
	}
	query := o.db.Rebind(`DELETE FROM ` + o.db.Table("access_rule") + ` WHERE device_id=$1 AND ` + match + `;`)
	res, err := o.q.ExecContext(ctx, query, deviceID, pattern)
	if err != nil {
		return 0, fmt.Errorf("cannot delete access rules of %s: %w", deviceID, err)
	}
	return res.RowsAffected()
}

// globPattern translates a LIKE pattern into an equivalent sqlite GLOB pattern
func globPattern(like string) string {
	var b strings.Builder
	for _, r := range like {
		switch r {
		case '%':
			b.WriteRune('*')
		case '_':
			b.WriteRune('?')
		case '*', '?', '[':
			b.WriteRune('[')
			b.WriteRune(r)
			b.WriteRune(']')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
