package sqlite

import "database/sql"

// storeTx wraps a Store whose querier is a live *sql.Tx.
type storeTx struct {
	Store
	tx   *sql.Tx
	done bool
}

func (t *storeTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Commit()
}

func (t *storeTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}
