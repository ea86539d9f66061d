package storage

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Coin-node errors.
var (
	ErrNodeNotFound = errors.New("coin node not found")
	ErrNodeExists   = errors.New("coin node already configured for symbol")
)

// NodeKind selects the RPC dialect spoken by a coin node.
type NodeKind string

const (
	NodeKindBitcoin NodeKind = "bitcoin"
	NodeKindMonero  NodeKind = "monero"
)

// NodeRecord is the stored configuration for one coin's full node.
// RPCPass is plaintext in memory only; it is AEAD-sealed on disk.
type NodeRecord struct {
	ID               int64
	Name             string
	Symbol           string
	Kind             NodeKind
	Host             string
	Port             int
	RPCUser          string
	RPCPass          string
	MinConfirmations int64
	Enabled          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateNode inserts a coin-node record, sealing its RPC password.
// A second node for the same symbol returns ErrNodeExists.
func (s *Storage) CreateNode(n *NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.seal([]byte(n.RPCPass))
	if err != nil {
		return fmt.Errorf("failed to seal rpc password: %w", err)
	}

	n.CreatedAt = time.Now()
	if n.Kind == "" {
		n.Kind = NodeKindBitcoin
	}
	res, err := s.db.Exec(`
		INSERT INTO coin_nodes (name, coin_symbol, kind, host, port, rpc_user, rpc_pass_sealed, min_confirmations, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.Name, n.Symbol, n.Kind, n.Host, n.Port, n.RPCUser, sealed, n.MinConfirmations, boolToInt(n.Enabled), n.CreatedAt.Unix())
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrNodeExists
		}
		return fmt.Errorf("failed to create coin node: %w", err)
	}

	n.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get node id: %w", err)
	}
	return nil
}

// UpdateNode rewrites a coin-node record by id, resealing the password.
func (s *Storage) UpdateNode(n *NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.seal([]byte(n.RPCPass))
	if err != nil {
		return fmt.Errorf("failed to seal rpc password: %w", err)
	}

	n.UpdatedAt = time.Now()
	res, err := s.db.Exec(`
		UPDATE coin_nodes
		SET name = ?, kind = ?, host = ?, port = ?, rpc_user = ?, rpc_pass_sealed = ?,
		    min_confirmations = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, n.Name, n.Kind, n.Host, n.Port, n.RPCUser, sealed, n.MinConfirmations, boolToInt(n.Enabled), n.UpdatedAt.Unix(), n.ID)
	if err != nil {
		return fmt.Errorf("failed to update coin node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if affected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// SetNodeEnabled toggles a coin node without touching its credentials.
func (s *Storage) SetNodeEnabled(id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE coin_nodes SET enabled = ?, updated_at = ? WHERE id = ?
	`, boolToInt(enabled), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to toggle coin node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check toggle: %w", err)
	}
	if affected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// DeleteNode removes a coin-node record.
func (s *Storage) DeleteNode(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM coin_nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete coin node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete: %w", err)
	}
	if affected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// GetNode looks up a coin node by id.
func (s *Storage) GetNode(id int64) (*NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanNode(s.db.QueryRow(nodeSelect+` WHERE id = ?`, id))
}

// GetNodeBySymbol looks up a coin node by its coin symbol.
func (s *Storage) GetNodeBySymbol(symbol string) (*NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanNode(s.db.QueryRow(nodeSelect+` WHERE coin_symbol = ?`, symbol))
}

// ListNodes returns all coin-node records ordered by symbol. When
// enabledOnly is set, disabled nodes are skipped.
func (s *Storage) ListNodes(enabledOnly bool) ([]*NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := nodeSelect
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY coin_symbol`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list coin nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*NodeRecord
	for rows.Next() {
		n, err := s.scanNodeRow(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

const nodeSelect = `
	SELECT id, name, coin_symbol, kind, host, port, rpc_user, rpc_pass_sealed,
	       min_confirmations, enabled, created_at, updated_at
	FROM coin_nodes`

func (s *Storage) scanNode(row *sql.Row) (*NodeRecord, error) {
	n, err := s.scanNodeRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	return n, err
}

func (s *Storage) scanNodeRow(row rowScanner) (*NodeRecord, error) {
	var n NodeRecord
	var sealed []byte
	var enabled int
	var createdAt int64
	var updatedAt sql.NullInt64
	err := row.Scan(&n.ID, &n.Name, &n.Symbol, &n.Kind, &n.Host, &n.Port, &n.RPCUser,
		&sealed, &n.MinConfirmations, &enabled, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan coin node: %w", err)
	}

	pass, err := s.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal rpc password: %w", err)
	}
	n.RPCPass = string(pass)
	n.Enabled = enabled != 0
	n.CreatedAt = time.Unix(createdAt, 0)
	if updatedAt.Valid {
		n.UpdatedAt = time.Unix(updatedAt.Int64, 0)
	}
	return &n, nil
}

// seal encrypts plaintext with the storage seal key. The random nonce is
// prepended to the ciphertext.
func (s *Storage) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a sealed blob produced by seal.
func (s *Storage) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed blob too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
