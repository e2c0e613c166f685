package memory

import (
	"context"
	"fmt"

	"github.com/BrendanShields/spec-flow/internal/txn"
)

// BeginTransaction starts a pending multi-file transaction.
func (m *Manager) BeginTransaction() *txn.Transaction {
	return m.txn.Begin(txn.KindUpdateSession)
}

// CommitTransaction executes tx under the state lock. When tx wrote the
// session file the cache is reloaded from disk.
func (m *Manager) CommitTransaction(ctx context.Context, tx *txn.Transaction) (txn.Result, error) {
	var res txn.Result
	err := m.mutate(ctx, "commit", func() error {
		res = m.txn.Execute(ctx, tx)
		if err := res.Err(); err != nil {
			return fmt.Errorf("transaction %s: %w", tx.ID, err)
		}
		if m.touchesSession(tx) {
			s, err := m.readSessionFile()
			if err != nil {
				m.log.Warn("session file unreadable after commit", "transaction_id", tx.ID, "error", err)
				return nil
			}
			m.cache = &s
		}
		return nil
	})
	return res, err
}

// RollbackTransaction abandons a pending transaction. Nothing was written
// yet, so only the status changes.
func (m *Manager) RollbackTransaction(tx *txn.Transaction) {
	if tx.Status == txn.StatusPending {
		tx.Status = txn.StatusRolledBack
		m.log.Debug("transaction abandoned", "transaction_id", tx.ID)
	}
}

// AtomicUpdate builds and commits a transaction from ops in one call.
func (m *Manager) AtomicUpdate(ctx context.Context, kind txn.Kind, ops []txn.Operation) (txn.Result, error) {
	tx := m.txn.Begin(kind)
	for _, op := range ops {
		tx.Add(op.Type, op.Path, op.Content)
	}
	return m.CommitTransaction(ctx, tx)
}

func (m *Manager) touchesSession(tx *txn.Transaction) bool {
	session := m.paths.SessionFile()
	for _, op := range tx.Files {
		if op.Path == session {
			return true
		}
	}
	return false
}
