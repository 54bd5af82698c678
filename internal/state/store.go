package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"kestrel.gg/kestrel/internal/protocol"
)

// NodeRecord is one registered node as persisted by the panel.
type NodeRecord struct {
	NodeID   string    `json:"nodeId"`
	Address  string    `json:"address,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
	Health   string    `json:"health,omitempty"`
}

// Store persists the last accepted server state and the node registry in
// SQLite so the panel's view survives a restart.
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary initializes) the store at path.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS server_state (
		server_id  TEXT PRIMARY KEY,
		state      TEXT NOT NULL,
		timestamp  INTEGER NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		exit_code  INTEGER,
		ports      TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS transitions (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id  TEXT NOT NULL,
		state      TEXT NOT NULL,
		timestamp  INTEGER NOT NULL,
		reason     TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_server ON transitions(server_id, timestamp);
	CREATE TABLE IF NOT EXISTS nodes (
		node_id   TEXT PRIMARY KEY,
		address   TEXT NOT NULL DEFAULT '',
		last_seen INTEGER NOT NULL,
		health    TEXT NOT NULL DEFAULT ''
	);`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveServerState upserts the last accepted state for a server and appends
// a row to the transition history.
func (s *Store) SaveServerState(st ServerStatus) error {
	ports, err := json.Marshal(st.Ports)
	if err != nil {
		return fmt.Errorf("failed to marshal ports: %w", err)
	}

	var exitCode sql.NullInt64
	if st.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*st.ExitCode), Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO server_state (server_id, state, timestamp, reason, exit_code, ports, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			state = excluded.state,
			timestamp = excluded.timestamp,
			reason = excluded.reason,
			exit_code = excluded.exit_code,
			ports = excluded.ports,
			updated_at = excluded.updated_at`,
		st.ServerID, string(st.State), st.Timestamp, st.Reason, exitCode,
		string(ports), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save server state: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO transitions (server_id, state, timestamp, reason)
		VALUES (?, ?, ?, ?)`,
		st.ServerID, string(st.State), st.Timestamp, st.Reason)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	return tx.Commit()
}

// LoadServerStates returns the persisted view for seeding a tracker.
func (s *Store) LoadServerStates() ([]ServerStatus, error) {
	rows, err := s.db.Query(`
		SELECT server_id, state, timestamp, reason, exit_code, ports
		FROM server_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to load server states: %w", err)
	}
	defer rows.Close()

	var out []ServerStatus
	for rows.Next() {
		var st ServerStatus
		var stateStr, reason, portsJSON string
		var exitCode sql.NullInt64
		if err := rows.Scan(&st.ServerID, &stateStr, &st.Timestamp, &reason, &exitCode, &portsJSON); err != nil {
			return nil, err
		}
		st.State = protocol.ServerState(stateStr)
		st.Reason = reason
		if exitCode.Valid {
			code := int(exitCode.Int64)
			st.ExitCode = &code
		}
		if portsJSON != "" && portsJSON != "{}" {
			if err := json.Unmarshal([]byte(portsJSON), &st.Ports); err != nil {
				return nil, fmt.Errorf("corrupt port bindings for %s: %w", st.ServerID, err)
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Transitions returns up to limit most recent transitions for a server,
// oldest first.
func (s *Store) Transitions(serverID string, limit int) ([]ServerStatus, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT server_id, state, timestamp, reason FROM (
			SELECT * FROM transitions WHERE server_id = ? ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ServerStatus
	for rows.Next() {
		var st ServerStatus
		var stateStr string
		if err := rows.Scan(&st.ServerID, &stateStr, &st.Timestamp, &st.Reason); err != nil {
			return nil, err
		}
		st.State = protocol.ServerState(stateStr)
		out = append(out, st)
	}
	return out, rows.Err()
}

// TouchNode upserts a node registry row, updating its last seen time.
func (s *Store) TouchNode(nodeID, address string, seen time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO nodes (node_id, address, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			address = excluded.address,
			last_seen = excluded.last_seen`,
		nodeID, address, seen.UnixMilli())
	return err
}

// SetNodeHealth stores the latest health summary for a node.
func (s *Store) SetNodeHealth(nodeID, health string, seen time.Time) error {
	_, err := s.db.Exec(`
		UPDATE nodes SET health = ?, last_seen = ? WHERE node_id = ?`,
		health, seen.UnixMilli(), nodeID)
	return err
}

// Nodes returns the node registry.
func (s *Store) Nodes() ([]NodeRecord, error) {
	rows, err := s.db.Query(`SELECT node_id, address, last_seen, health FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		var n NodeRecord
		var seen int64
		if err := rows.Scan(&n.NodeID, &n.Address, &seen, &n.Health); err != nil {
			return nil, err
		}
		n.LastSeen = time.UnixMilli(seen)
		out = append(out, n)
	}
	return out, rows.Err()
}
