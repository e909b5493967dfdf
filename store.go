/*
 * Copyright (c) 2025
 */
package xfrd

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/miekg/dns"
)

// DefaultTables holds the schema for the engine's own persisted state:
// the per-zone timer record, the KASP master_serial record, and the
// append-only changeset journal.
var DefaultTables = map[string]string{
	"ZoneTimers": `CREATE TABLE IF NOT EXISTS 'ZoneTimers' (
zone             TEXT PRIMARY KEY,
next_refresh     INTEGER,
next_expire      INTEGER,
last_refresh_ok  INTEGER,
master_pin_hit   INTEGER,
last_master      TEXT,
bootstrap_count  INTEGER
)`,

	"MasterSerial": `CREATE TABLE IF NOT EXISTS 'MasterSerial' (
zone          TEXT PRIMARY KEY,
master_serial INTEGER
)`,

	"Journal": `CREATE TABLE IF NOT EXISTS 'Journal' (
id        INTEGER PRIMARY KEY AUTOINCREMENT,
zone      TEXT,
soa_from  INTEGER,
soa_to    INTEGER,
deletions TEXT,
additions TEXT,
ts        INTEGER
)`,
}

// Store is the persistence boundary the refresh controller commits
// through: zone timers, the KASP master_serial record, and the
// changeset journal. It is the only collaborator that ever touches
// disk on behalf of this engine.
type Store interface {
	LoadTimers(zone string) (ZoneTimers, bool, error)
	SaveTimers(zone string, t ZoneTimers) error

	LoadMasterSerial(zone string) (uint32, bool, error)
	SaveMasterSerial(zone string, serial uint32) error

	AppendJournal(zone string, cs Changeset) error
	JournalDepth(zone string) (int, error)
	TrimJournal(zone string, maxDepth int) error

	Close() error
}

// SqliteStore is a database/sql-backed Store using the sqlite3 driver.
type SqliteStore struct {
	db *sql.DB
	mu sync.Mutex

	journalMaxDepth int
	journalMaxUsage int
}

func NewSqliteStore(dbfile string, journalMaxDepth, journalMaxUsage int) (*SqliteStore, error) {
	if dbfile == "" {
		return nil, fmt.Errorf("store: db filename unspecified")
	}
	db, err := sql.Open("sqlite3", dbfile)
	if err != nil {
		return nil, fmt.Errorf("store: sql.Open: %v", err)
	}
	if err := sqliteSetupTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStore{db: db, journalMaxDepth: journalMaxDepth, journalMaxUsage: journalMaxUsage}, nil
}

func sqliteSetupTables(db *sql.DB) error {
	for name, schema := range DefaultTables {
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("store: failed to create table %s: %v", name, err)
		}
	}
	return nil
}

func (s *SqliteStore) LoadTimers(zone string) (ZoneTimers, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t ZoneTimers
	var nextRefresh, nextExpire, masterPinHit int64
	var lastOK int
	row := s.db.QueryRow(`SELECT next_refresh, next_expire, last_refresh_ok, master_pin_hit, last_master, bootstrap_count
		FROM ZoneTimers WHERE zone = ?`, zone)
	err := row.Scan(&nextRefresh, &nextExpire, &lastOK, &masterPinHit, &t.LastMaster, &t.BootstrapCount)
	if err == sql.ErrNoRows {
		return ZoneTimers{}, false, nil
	}
	if err != nil {
		return ZoneTimers{}, false, fmt.Errorf("store: LoadTimers(%s): %v", zone, err)
	}
	t.NextRefresh = fromUnix(nextRefresh)
	t.NextExpire = fromUnix(nextExpire)
	t.LastRefreshOK = lastOK != 0
	t.MasterPinHit = fromUnix(masterPinHit)
	return t, true, nil
}

func (s *SqliteStore) SaveTimers(zone string, t ZoneTimers) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO ZoneTimers (zone, next_refresh, next_expire, last_refresh_ok, master_pin_hit, last_master, bootstrap_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(zone) DO UPDATE SET next_refresh=excluded.next_refresh, next_expire=excluded.next_expire,
			last_refresh_ok=excluded.last_refresh_ok, master_pin_hit=excluded.master_pin_hit,
			last_master=excluded.last_master, bootstrap_count=excluded.bootstrap_count`,
		zone, toUnix(t.NextRefresh), toUnix(t.NextExpire), boolToInt(t.LastRefreshOK), toUnix(t.MasterPinHit), t.LastMaster, t.BootstrapCount)
	if err != nil {
		return fmt.Errorf("store: SaveTimers(%s): %v", zone, err)
	}
	return nil
}

func (s *SqliteStore) LoadMasterSerial(zone string) (uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var serial int64
	err := s.db.QueryRow(`SELECT master_serial FROM MasterSerial WHERE zone = ?`, zone).Scan(&serial)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: LoadMasterSerial(%s): %v", zone, err)
	}
	return uint32(serial), true, nil
}

func (s *SqliteStore) SaveMasterSerial(zone string, serial uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO MasterSerial (zone, master_serial) VALUES (?, ?)
		ON CONFLICT(zone) DO UPDATE SET master_serial=excluded.master_serial`, zone, serial)
	if err != nil {
		return fmt.Errorf("store: SaveMasterSerial(%s): %v", zone, err)
	}
	return nil
}

// AppendJournal records one changeset and enforces the configured
// rollover policy by trimming the oldest rows once either bound is
// exceeded.
func (s *SqliteStore) AppendJournal(zone string, cs Changeset) error {
	delJSON, err := marshalRRs(cs.Deletions)
	if err != nil {
		return err
	}
	addJSON, err := marshalRRs(cs.Additions)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, err = s.db.Exec(`INSERT INTO Journal (zone, soa_from, soa_to, deletions, additions, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		zone, cs.SoaFrom, cs.SoaTo, delJSON, addJSON, time.Now().Unix())
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: AppendJournal(%s): %v", zone, err)
	}

	if s.journalMaxDepth > 0 {
		if err := s.TrimJournal(zone, s.journalMaxDepth); err != nil {
			return err
		}
	}
	if s.journalMaxUsage > 0 {
		return s.trimJournalUsage(zone)
	}
	return nil
}

// trimJournalUsage drops the oldest rows for zone until the stored
// changeset bytes fit under journal_max_usage. The newest row always
// survives, so an oversized single changeset does not empty the
// journal.
func (s *SqliteStore) trimJournalUsage(zone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		var rows int
		var usage int64
		err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(deletions) + LENGTH(additions)), 0)
			FROM Journal WHERE zone = ?`, zone).Scan(&rows, &usage)
		if err != nil {
			return fmt.Errorf("store: trimJournalUsage(%s): %v", zone, err)
		}
		if usage <= int64(s.journalMaxUsage) || rows <= 1 {
			return nil
		}
		_, err = s.db.Exec(`DELETE FROM Journal WHERE id = (SELECT MIN(id) FROM Journal WHERE zone = ?)`, zone)
		if err != nil {
			return fmt.Errorf("store: trimJournalUsage(%s): %v", zone, err)
		}
	}
}

func (s *SqliteStore) JournalDepth(zone string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM Journal WHERE zone = ?`, zone).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: JournalDepth(%s): %v", zone, err)
	}
	return n, nil
}

// TrimJournal drops the oldest rows for zone until at most maxDepth
// remain, per the journal_max_depth rollover policy.
func (s *SqliteStore) TrimJournal(zone string, maxDepth int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM Journal WHERE zone = ? AND id NOT IN (
		SELECT id FROM Journal WHERE zone = ? ORDER BY id DESC LIMIT ?)`, zone, zone, maxDepth)
	if err != nil {
		return fmt.Errorf("store: TrimJournal(%s): %v", zone, err)
	}
	return nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func marshalRRs(rrs []dns.RR) (string, error) {
	strs := make([]string, len(rrs))
	for i, rr := range rrs {
		strs[i] = rr.String()
	}
	b, err := json.Marshal(strs)
	if err != nil {
		return "", fmt.Errorf("store: marshal RRs: %v", err)
	}
	return string(b), nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
