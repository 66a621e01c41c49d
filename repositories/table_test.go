package repositories

import (
	"agency-crm/contract"
	"agency-crm/errors"
	stderrors "errors"
	"log/slog"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestTableRepository_Insert_And_Scan(t *testing.T) {
	req := require.New(t)
	repository := NewTableRepository(openTestDB(t), slog.Default())

	// Given rows in two different tables
	_, err := repository.Insert(contract.TableMessages, contract.Record{"id": "m1", "content": "hello", "read": false})
	req.NoError(err)
	_, err = repository.Insert(contract.TableMessages, contract.Record{"id": "m2", "content": "hi", "read": true})
	req.NoError(err)
	_, err = repository.Insert(contract.TableProfiles, contract.Record{"id": "p1", "full_name": "Ada"})
	req.NoError(err)

	// When scanning one table
	rows, err := repository.Scan(contract.TableMessages)
	req.NoError(err)

	// Then only its rows come back
	req.Len(rows, 2)
	req.Equal("m1", rows[0].String("id"))
	req.Equal("hi", rows[1].String("content"))
	req.True(rows[1].Bool("read"))
}

func TestTableRepository_Insert_Normalizes_Numbers(t *testing.T) {
	req := require.New(t)
	repository := NewTableRepository(openTestDB(t), slog.Default())

	stored, err := repository.Insert(contract.TableOrders, contract.Record{"id": "o1", "total_amount": 120})
	req.NoError(err)
	req.Equal(float64(120), stored["total_amount"])
}

func TestTableRepository_Insert_Rejects_Duplicates_And_Missing_ID(t *testing.T) {
	req := require.New(t)
	repository := NewTableRepository(openTestDB(t), slog.Default())

	_, err := repository.Insert(contract.TableProfiles, contract.Record{"id": "p1"})
	req.NoError(err)

	_, err = repository.Insert(contract.TableProfiles, contract.Record{"id": "p1"})
	req.ErrorIs(err, errors.ErrAlreadyExists)

	_, err = repository.Insert(contract.TableProfiles, contract.Record{"full_name": "nobody"})
	req.Error(err)
}

func TestTableRepository_Get(t *testing.T) {
	req := require.New(t)
	repository := NewTableRepository(openTestDB(t), slog.Default())

	_, err := repository.Insert(contract.TableProfiles, contract.Record{"id": "p1", "role": "staff"})
	req.NoError(err)

	row, err := repository.Get(contract.TableProfiles, "p1")
	req.NoError(err)
	req.Equal("staff", row.String("role"))

	_, err = repository.Get(contract.TableProfiles, "missing")
	req.True(stderrors.Is(err, errors.ErrNotFound))
}

func TestTableRepository_Patch_Only_Matching_Rows(t *testing.T) {
	req := require.New(t)
	repository := NewTableRepository(openTestDB(t), slog.Default())

	for _, r := range []contract.Record{
		{"id": "m1", "conversation_id": "c1", "read": false},
		{"id": "m2", "conversation_id": "c1", "read": false},
		{"id": "m3", "conversation_id": "c2", "read": false},
	} {
		_, err := repository.Insert(contract.TableMessages, r)
		req.NoError(err)
	}

	// When patching conversation c1
	updated, err := repository.Patch(contract.TableMessages,
		[]contract.Filter{contract.Eq("conversation_id", "c1")},
		contract.Record{"read": true, "id": "ignored"})
	req.NoError(err)
	req.Len(updated, 2)

	// Then ids are untouched and c2 is unchanged
	rows, err := repository.Scan(contract.TableMessages)
	req.NoError(err)
	for _, row := range rows {
		req.NotEqual("ignored", row.String("id"))
		req.Equal(row.String("conversation_id") == "c1", row.Bool("read"))
	}
}
