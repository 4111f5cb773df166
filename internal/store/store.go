// Package store persists committed ledger snapshots and the distribution
// history of a shard in a SQLite database, with timestamped file backups
// used to recover from a damaged database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cosmossdk.io/math"

	"shareledger.dev/ysl/internal/types"

	_ "modernc.org/sqlite"
)

const (
	defaultDBFile        = "ledger.db"
	defaultBackupDirName = "backups"
	maxBusyTimeoutMs     = 5000
	defaultMaxBackups    = 20
	defaultKeepSnapshots = 10
)

var (
	errNoBackups = errors.New("no ledger backups available")

	// ErrNoSnapshot is returned by Latest on a fresh database.
	ErrNoSnapshot = errors.New("no snapshot stored")
)

// Snapshot is the serialized application state committed at a height.
type Snapshot struct {
	Height    int64
	AppHash   []byte
	State     []byte
	CreatedAt time.Time
}

// Store manages the ledger database file.
type Store struct {
	mu        sync.RWMutex
	db        *sql.DB
	file      string
	backupDir string
	updates   chan struct{}
}

type backupInfo struct {
	path      string
	timestamp int64
}

// NewStore opens (or creates) the database at filePath. A database that
// cannot be opened is replaced by the latest backup, or by a fresh file
// when there is none.
func NewStore(filePath string) (*Store, error) {
	if filePath == "" {
		filePath = defaultDBFile
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}

	s := &Store{
		file:      absPath,
		backupDir: filepath.Join(filepath.Dir(absPath), defaultBackupDirName),
		updates:   make(chan struct{}, 1),
	}

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	if err := s.tryOpenOrRecover(); err != nil {
		return nil, err
	}

	if err := s.ensureSchema(); err != nil {
		// a damaged file often opens fine and only fails on first read
		if recErr := s.recoverDatabase(err); recErr != nil {
			_ = s.closeDB()
			return nil, recErr
		}
		if err := s.ensureSchema(); err != nil {
			_ = s.closeDB()
			return nil, err
		}
	}

	return s, nil
}

// Updates receives a value whenever a snapshot is saved.
func (s *Store) Updates() <-chan struct{} {
	return s.updates
}

func (s *Store) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Path returns the absolute database file path.
func (s *Store) Path() string { return s.file }

// Close releases the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeDB()
}

func (s *Store) tryOpenOrRecover() error {
	if err := s.openDB(); err != nil {
		if recErr := s.recoverDatabase(err); recErr != nil {
			return recErr
		}
	}
	return nil
}

func (s *Store) openDB() error {
	if err := os.MkdirAll(filepath.Dir(s.file), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", filepath.Clean(s.file)))
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", maxBusyTimeoutMs)); err != nil {
		db.Close()
		return fmt.Errorf("set busy timeout: %w", err)
	}

	s.db = db
	return nil
}

func (s *Store) recoverDatabase(openErr error) error {
	if err := s.restoreLatestBackup(); err != nil {
		if errors.Is(err, errNoBackups) {
			if cleanErr := s.resetDatabaseFiles(); cleanErr != nil {
				return fmt.Errorf("reset database after %v: %w", openErr, cleanErr)
			}
			if err := s.openDB(); err != nil {
				return fmt.Errorf("create fresh database after %v: %w", openErr, err)
			}
			return nil
		}
		return fmt.Errorf("restore database after %v: %w", openErr, err)
	}
	return nil
}

func (s *Store) closeDB() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) resetDatabaseFiles() error {
	_ = s.closeDB()

	var firstErr error
	for _, path := range []string{s.file, s.file + "-wal", s.file + "-shm"} {
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("remove %s: %w", filepath.Base(path), err)
			}
		}
	}
	return firstErr
}

func (s *Store) restoreLatestBackup() error {
	prefix, ext := s.backupName()
	backups, err := listBackups(s.backupDir, prefix, ext)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return errNoBackups
	}

	latest := backups[len(backups)-1]
	if err := s.resetDatabaseFiles(); err != nil {
		return err
	}
	if err := copyFile(latest.path, s.file); err != nil {
		return fmt.Errorf("copy backup %s: %w", filepath.Base(latest.path), err)
	}
	return s.openDB()
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		height INTEGER PRIMARY KEY,
		app_hash BLOB NOT NULL,
		state BLOB NOT NULL,
		created_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create snapshots table: %w", err)
	}

	_, err = s.db.Exec(`CREATE TABLE IF NOT EXISTS distributions (
		shard TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		amount TEXT NOT NULL,
		fee_amount TEXT NOT NULL,
		fee_shares TEXT NOT NULL,
		is_profit INTEGER NOT NULL,
		proof_hash TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		PRIMARY KEY (shard, epoch)
	)`)
	if err != nil {
		return fmt.Errorf("create distributions table: %w", err)
	}

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	return nil
}

// SaveSnapshot stores snap and prunes all but the newest keep snapshots.
// keep <= 0 uses the default retention.
func (s *Store) SaveSnapshot(snap Snapshot, keep int) error {
	if keep <= 0 {
		keep = defaultKeepSnapshots
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO snapshots (height, app_hash, state, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(height) DO UPDATE SET
			app_hash = excluded.app_hash,
			state = excluded.state,
			created_at = excluded.created_at`,
		snap.Height, snap.AppHash, snap.State, formatTime(snap.CreatedAt))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert snapshot: %w", err)
	}
	_, err = tx.Exec(`DELETE FROM snapshots WHERE height NOT IN (
		SELECT height FROM snapshots ORDER BY height DESC LIMIT ?)`, keep)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prune snapshots: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	s.notify()
	return nil
}

// Latest returns the snapshot with the greatest height.
func (s *Store) Latest() (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT height, app_hash, state, created_at FROM snapshots ORDER BY height DESC LIMIT 1`)
	var (
		snap    Snapshot
		created sql.NullString
	)
	if err := row.Scan(&snap.Height, &snap.AppHash, &snap.State, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, ErrNoSnapshot
		}
		return Snapshot{}, fmt.Errorf("read latest snapshot: %w", err)
	}
	snap.CreatedAt = parseTime(created.String)
	return snap, nil
}

// RecordDistribution appends d to the distribution history. Recording the
// same shard and epoch twice keeps the first row.
func (s *Store) RecordDistribution(d types.Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO distributions (
		shard, epoch, amount, fee_amount, fee_shares, is_profit, proof_hash, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(shard, epoch) DO NOTHING`,
		d.Shard, int64(d.Epoch), intString(d.Amount), intString(d.FeeAmount), intString(d.FeeShares),
		d.IsProfit, d.ProofHash, formatTime(d.Time))
	if err != nil {
		return fmt.Errorf("insert distribution: %w", err)
	}
	return nil
}

// Distributions returns the newest limit distributions of shard, newest
// first. limit <= 0 returns all of them.
func (s *Store) Distributions(shard string, limit int) ([]types.Distribution, error) {
	if limit <= 0 {
		limit = -1
	}

	s.mu.RLock()
	rows, err := s.db.Query(`SELECT shard, epoch, amount, fee_amount, fee_shares, is_profit, proof_hash, applied_at
		FROM distributions WHERE shard = ? ORDER BY epoch DESC LIMIT ?`, shard, limit)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("query distributions: %w", err)
	}
	defer rows.Close()

	var out []types.Distribution
	for rows.Next() {
		var (
			d                   types.Distribution
			epoch               int64
			amount, fee, shares string
			applied             sql.NullString
		)
		if err := rows.Scan(&d.Shard, &epoch, &amount, &fee, &shares, &d.IsProfit, &d.ProofHash, &applied); err != nil {
			return nil, fmt.Errorf("scan distribution: %w", err)
		}
		d.Epoch = uint64(epoch)
		d.Amount = parseInt(amount)
		d.FeeAmount = parseInt(fee)
		d.FeeShares = parseInt(shares)
		d.Time = parseTime(applied.String)
		out = append(out, d)
	}
	return out, rows.Err()
}

// BackupCurrent writes a copy of the database to a timestamped file and
// prunes old backups beyond maxBackups. Returns the backup path when created.
func (s *Store) BackupCurrent(maxBackups int) (string, error) {
	data, err := s.Export()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}

	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure backup directory: %w", err)
	}

	prefix, ext := s.backupName()
	backupPath := uniqueBackupPath(s.backupDir, prefix, ext)
	if err := os.WriteFile(backupPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	pruneBackups(s.backupDir, prefix, ext, maxBackups)

	return backupPath, nil
}

// Export returns a consistent copy of the database file.
func (s *Store) Export() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.file); errors.Is(err, os.ErrNotExist) {
		return nil, os.ErrNotExist
	}

	tempFile, err := os.CreateTemp(filepath.Dir(s.file), "ledger-export-*.db")
	if err != nil {
		return nil, fmt.Errorf("create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	tempFile.Close()

	escaped := strings.ReplaceAll(tempPath, "'", "''")
	if _, err := s.db.Exec(fmt.Sprintf("VACUUM INTO '%s'", escaped)); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("vacuum into temp file: %w", err)
	}

	data, err := os.ReadFile(tempPath)
	os.Remove(tempPath)
	if err != nil {
		return nil, fmt.Errorf("read export file: %w", err)
	}

	return data, nil
}

// Import replaces the database with the provided SQLite bytes. The current
// file is moved into the backup directory; its path is returned.
func (s *Store) Import(data []byte, maxBackups int) (string, error) {
	if len(data) == 0 {
		return "", errors.New("import data is empty")
	}

	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	dir := filepath.Dir(s.file)
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("prepare backup directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "ledger-import-*.db")
	if err != nil {
		return "", fmt.Errorf("create temp import file: %w", err)
	}
	tempPath := tempFile.Name()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("write temp import file: %w", err)
	}
	tempFile.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.closeDB()

	prefix, ext := s.backupName()
	var backupPath string
	if _, err := os.Stat(s.file); err == nil {
		backupPath = uniqueBackupPath(s.backupDir, prefix, ext)
		if err := os.Rename(s.file, backupPath); err != nil {
			_ = s.openDB()
			os.Remove(tempPath)
			return "", fmt.Errorf("rename existing db: %w", err)
		}
		for _, path := range []string{s.file + "-wal", s.file + "-shm"} {
			_ = os.Remove(path)
		}
	}

	if err := os.Rename(tempPath, s.file); err != nil {
		if backupPath != "" {
			_ = os.Rename(backupPath, s.file)
		}
		os.Remove(tempPath)
		_ = s.openDB()
		return "", fmt.Errorf("activate imported db: %w", err)
	}

	if err := s.openDB(); err != nil {
		if backupPath != "" {
			_ = os.Rename(backupPath, s.file)
			_ = s.openDB()
		}
		return "", fmt.Errorf("reopen db after import: %w", err)
	}

	if err := s.ensureSchema(); err != nil {
		return backupPath, err
	}

	pruneBackups(s.backupDir, prefix, ext, maxBackups)
	s.notify()

	return backupPath, nil
}

func (s *Store) backupName() (prefix, ext string) {
	base := filepath.Base(s.file)
	ext = filepath.Ext(base)
	prefix = strings.TrimSuffix(base, ext)
	if prefix == "" {
		prefix = base
	}
	return prefix, ext
}

func listBackups(dir, prefix, ext string) ([]backupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var backups []backupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix+"-") || (ext != "" && !strings.HasSuffix(name, ext)) {
			continue
		}

		tsPart := strings.TrimPrefix(strings.TrimSuffix(name, ext), prefix+"-")
		ts, err := strconv.ParseInt(tsPart, 10, 64)
		if err != nil {
			info, statErr := entry.Info()
			if statErr != nil {
				continue
			}
			ts = info.ModTime().Unix()
		}

		backups = append(backups, backupInfo{path: filepath.Join(dir, name), timestamp: ts})
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].timestamp == backups[j].timestamp {
			return backups[i].path < backups[j].path
		}
		return backups[i].timestamp < backups[j].timestamp
	})

	return backups, nil
}

func pruneBackups(dir, prefix, ext string, maxBackups int) {
	if maxBackups <= 0 {
		return
	}
	backups, err := listBackups(dir, prefix, ext)
	if err != nil || len(backups) <= maxBackups {
		return
	}
	for i := 0; i < len(backups)-maxBackups; i++ {
		_ = os.Remove(backups[i].path)
	}
}

func uniqueBackupPath(dir, prefix, ext string) string {
	timestamp := time.Now().Unix()
	for {
		path := filepath.Join(dir, fmt.Sprintf("%s-%d%s", prefix, timestamp, ext))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		timestamp++
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func intString(v math.Int) string {
	if v.IsNil() {
		return "0"
	}
	return v.String()
}

func parseInt(s string) math.Int {
	v, ok := math.NewIntFromString(s)
	if !ok {
		return math.ZeroInt()
	}
	return v
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	return time.Time{}
}
