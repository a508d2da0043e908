package store

import (
	"database/sql"
	"fmt"

	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/status"
)

// inConversationTx runs fn in a transaction while holding the conversation's
// write lock. The transaction is rolled back unless fn returns nil.
func (db *DB) inConversationTx(conversationID string, fn func(tx *sql.Tx) error) error {
	unlock := db.lockConversation(conversationID)
	defer unlock()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SaveOptimistic stores a freshly created local message and, when op is not
// nil, the queue entry that will replay it.
func (db *DB) SaveOptimistic(m chat.Message, op *PendingOp) error {
	return db.inConversationTx(m.ConversationID, func(tx *sql.Tx) error {
		if err := upsertMessage(tx, m, false); err != nil {
			return err
		}
		if op != nil {
			return insertOp(tx, *op)
		}
		return nil
	})
}

// MarkFailedAndEnqueue flags a message whose direct send failed and queues
// its retry.
func (db *DB) MarkFailedAndEnqueue(conversationID, messageID string, op PendingOp) error {
	return db.inConversationTx(conversationID, func(tx *sql.Tx) error {
		if err := setMessageStatus(tx, messageID, status.Failed); err != nil {
			return err
		}
		return insertOp(tx, op)
	})
}

// CompleteSend finalizes a confirmed send: the temporary row and its queue
// entry go away together and the canonical copy, if given, takes their place.
// A canonical row a snapshot already stored is kept as is, since its status
// can only be the same or further along.
// opID may be empty for sends that were never queued.
func (db *DB) CompleteSend(conversationID, opID, tempID string, canonical *chat.Message) error {
	return db.inConversationTx(conversationID, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, tempID); err != nil {
			return fmt.Errorf("delete temp %s: %w", tempID, err)
		}
		if opID != "" {
			if err := deleteOp(tx, opID); err != nil {
				return err
			}
		}
		if canonical != nil {
			return insertMessageIfAbsent(tx, *canonical)
		}
		return nil
	})
}

// RecordFailure counts a failed replay attempt and marks the message failed.
// It returns the retry count after the increment.
func (db *DB) RecordFailure(conversationID, opID, messageID string) (int, error) {
	var count int
	err := db.inConversationTx(conversationID, func(tx *sql.Tx) error {
		var err error
		if count, err = incrementRetry(tx, opID); err != nil {
			return err
		}
		return setMessageStatus(tx, messageID, status.Failed)
	})
	return count, err
}

// DropOperation removes an operation that will not be retried again. The
// message stays in the failed state.
func (db *DB) DropOperation(conversationID, opID, messageID string) error {
	return db.inConversationTx(conversationID, func(tx *sql.Tx) error {
		if err := deleteOp(tx, opID); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE id = ?`, string(status.Failed), messageID); err != nil {
			return fmt.Errorf("fail message %s: %w", messageID, err)
		}
		return nil
	})
}

// ApplySnapshot writes the outcome of a reconciliation pass: confirmed remote
// copies are upserted and superseded temporary rows are deleted.
func (db *DB) ApplySnapshot(conversationID string, upserts []chat.Message, deletes []string) error {
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}
	return db.inConversationTx(conversationID, func(tx *sql.Tx) error {
		for _, m := range upserts {
			if err := upsertMessage(tx, m, true); err != nil {
				return err
			}
		}
		for _, id := range deletes {
			if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete superseded %s: %w", id, err)
			}
		}
		return nil
	})
}

// SetMessageState moves a message to a new state under the conversation lock.
func (db *DB) SetMessageState(conversationID, messageID string, to status.State) error {
	return db.inConversationTx(conversationID, func(tx *sql.Tx) error {
		return setMessageStatus(tx, messageID, to)
	})
}
