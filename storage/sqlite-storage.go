package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStorage keeps entries in an embedded SQLite database,
// either a file or a private in-memory database.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	closeOnce  *sync.Once
	closeErr   error
}

// NewSQLiteStorage opens (and creates if needed) the database with the given file name.
// If the file name is empty or ":memory:", a new in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	inMemory := filename == "" || filename == ":memory:"
	dsn := filename
	if inMemory {
		// a named shared-cache db keeps all pool connections on the same data,
		// the unique name keeps separate instances apart
		dsn = fmt.Sprintf("file:mitmcache-%s?mode=memory&cache=shared", uuid.NewString())
	}
	if strings.Contains(dsn, "?") {
		dsn += "&_pragma=busy_timeout(5000)"
	} else {
		dsn += "?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if inMemory {
		db.SetMaxOpenConns(1)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		id INTEGER PRIMARY KEY,
		cache_key TEXT UNIQUE,
		url TEXT,
		method TEXT,
		flow BLOB
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if !inMemory {
		if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
		closeOnce:  &sync.Once{},
	}, nil
}

func (s *SQLiteStorage) Get(ctx context.Context, key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var url, method sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT url, method, flow FROM cache WHERE cache_key = ?", key,
	).Scan(&url, &method, &entry.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("sqlite get %q: %w: %w", key, ErrBackendUnavailable, err)
	}
	if len(entry.Payload) == 0 {
		return Entry{}, false, fmt.Errorf("sqlite get %q: %w: empty payload", key, ErrCorrupt)
	}
	entry.URL = url.String
	entry.Method = method.String
	return entry, true, nil
}

func (s *SQLiteStorage) Store(ctx context.Context, entry Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, `INSERT INTO cache
		(cache_key, url, method, flow) VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO NOTHING`,
		entry.Key, entry.URL, entry.Method, entry.Payload)
	if err != nil {
		return fmt.Errorf("sqlite store %q: %w: %w", entry.Key, ErrBackendUnavailable, err)
	}
	return expectOneRow(result, fmt.Errorf("sqlite store %q: %w", entry.Key, ErrDuplicateKey))
}

func (s *SQLiteStorage) Update(ctx context.Context, entry Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, `UPDATE cache
		SET url = ?, method = ?, flow = ?
		WHERE cache_key = ?`,
		entry.URL, entry.Method, entry.Payload, entry.Key)
	if err != nil {
		return fmt.Errorf("sqlite update %q: %w: %w", entry.Key, ErrBackendUnavailable, err)
	}
	return expectOneRow(result, fmt.Errorf("sqlite update %q: %w", entry.Key, ErrNotFound))
}

func (s *SQLiteStorage) Purge(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE cache_key = ?", key); err != nil {
		return fmt.Errorf("sqlite purge %q: %w: %w", key, ErrBackendUnavailable, err)
	}
	return nil
}

// Keys calls the given callback for each stored key.
func (s *SQLiteStorage) Keys(ctx context.Context, cb func(string)) error {
	rows, err := s.db.QueryContext(ctx, "SELECT cache_key FROM cache ORDER BY id")
	if err != nil {
		return fmt.Errorf("sqlite keys: %w: %w", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("sqlite keys: %w", err)
		}
		cb(key)
	}
	return rows.Err()
}

func (s *SQLiteStorage) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// expectOneRow returns errNone if the statement did not touch any row.
func expectOneRow(result sql.Result, errNone error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errNone
	}
	return nil
}
