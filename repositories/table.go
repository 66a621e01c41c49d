package repositories

import (
	"agency-crm/contract"
	"agency-crm/errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

type ITableRepository interface {
	Insert(table string, record contract.Record) (contract.Record, error)
	Scan(table string) ([]contract.Record, error)
	Get(table, id string) (contract.Record, error)
	Patch(table string, filters []contract.Filter, patch contract.Record) ([]contract.Record, error)
}

// TableRepository keeps gateway tables in BadgerDB.
// Keys are formatted as "row:{table}:{id}" so one table is one prefix scan.
type TableRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewTableRepository(db *badger.DB, log *slog.Logger) TableRepository {
	return TableRepository{db: db, log: log}
}

func rowKey(table, id string) []byte {
	return []byte(fmt.Sprintf("row:%s:%s", table, id))
}

func rowPrefix(table string) []byte {
	return []byte(fmt.Sprintf("row:%s:", table))
}

// Insert persists a new row and returns it as it will be read back.
// The record must carry a string "id".
func (t TableRepository) Insert(table string, record contract.Record) (contract.Record, error) {
	id := record.String("id")
	if id == "" {
		return nil, fmt.Errorf("insert into %s: missing id", table)
	}
	data, err := encodeRecord(record)
	if err != nil {
		return nil, err
	}

	err = t.db.Update(func(txn *badger.Txn) error {
		key := rowKey(table, id)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%s %s: %w", table, id, errors.ErrAlreadyExists)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return nil, err
	}
	return DecodeRecord(data)
}

func (t TableRepository) Get(table, id string) (contract.Record, error) {
	var record contract.Record
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rowKey(table, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			record, err = DecodeRecord(val)
			return err
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%s %s: %w", table, id, errors.ErrNotFound)
	}
	return record, err
}

// Scan returns every row of a table in key order.
func (t TableRepository) Scan(table string) ([]contract.Record, error) {
	var records []contract.Record
	err := t.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := rowPrefix(table)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				record, err := DecodeRecord(val)
				if err != nil {
					return err
				}
				records = append(records, record)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return records, err
}

// Patch merges patch into every row matching filters, in one transaction,
// and returns the updated rows.
func (t TableRepository) Patch(table string, filters []contract.Filter, patch contract.Record) ([]contract.Record, error) {
	var updated []contract.Record
	err := t.db.Update(func(txn *badger.Txn) error {
		type pending struct {
			key    []byte
			record contract.Record
		}
		var matches []pending

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		prefix := rowPrefix(table)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				record, err := DecodeRecord(val)
				if err != nil {
					return err
				}
				if contract.MatchesAll(filters, record) {
					matches = append(matches, pending{key: item.KeyCopy(nil), record: record})
				}
				return nil
			})
			if err != nil {
				it.Close()
				return err
			}
		}
		// Writes happen once the iterator is released.
		it.Close()

		for _, m := range matches {
			for column, value := range patch {
				if column == "id" {
					continue
				}
				m.record[column] = value
			}
			data, err := encodeRecord(m.record)
			if err != nil {
				return err
			}
			if err = txn.Set(m.key, data); err != nil {
				return err
			}
			record, err := DecodeRecord(data)
			if err != nil {
				return err
			}
			updated = append(updated, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.log.Debug("Rows patched", "table", table, "count", len(updated))
	return updated, nil
}
