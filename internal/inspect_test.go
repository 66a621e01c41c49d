package internal

import (
	"agency-crm/contract"
	"agency-crm/repositories"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func seededDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	tables := repositories.NewTableRepository(db, log)
	_, err = tables.Insert(contract.TableProfiles, contract.Record{
		"id": "0123456789abcdef", "full_name": "Ada", "role": "client", "created_at": "2026-01-01T00:00:00.000000000Z",
	})
	require.NoError(t, err)

	credentials := repositories.NewCredentialRepository(db)
	_, err = credentials.CreateCredential("ada@example.com", "$argon2id$secret")
	require.NoError(t, err)
	require.NoError(t, credentials.Revoke("jti-1", time.Now().Add(time.Hour)))
	require.NoError(t, credentials.SaveLocalToken("token"))
	return db
}

func TestScanRows_Maps_Every_Key_Kind(t *testing.T) {
	req := require.New(t)
	db := seededDB(t)

	rows, err := ScanRows(db, "", nil)
	req.NoError(err)
	req.Len(rows, 4)

	byKind := make(map[string]InspectRow)
	for _, r := range rows {
		byKind[r.Kind] = r
	}
	profile := byKind[contract.TableProfiles]
	req.Equal("01234567", profile.ID)
	req.Equal("2026-01-01T00:00:00.000000000Z", profile.CreatedAt)
	req.Equal("full_name=Ada role=client", profile.Detail)

	credential := byKind["credential"]
	req.Equal("ada@example.com", credential.ID)
	req.NotContains(credential.Detail, "argon2id")

	req.Contains(byKind, "revoked")
	req.Equal("token present", byKind["session"].Detail)
}

func TestInspectHandler(t *testing.T) {
	req := require.New(t)
	db := seededDB(t)
	server := httptest.NewServer(NewInspectHandler(logs.GetLoggerFromLevel(slog.LevelDebug), db, nil))
	t.Cleanup(server.Close)

	// Page over the rows
	resp, err := http.Get(server.URL + "/inspect?prefix=row:")
	req.NoError(err)
	_ = resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)

	// One row as JSON
	resp, err = http.Get(server.URL + "/rows/profiles/0123456789abcdef")
	req.NoError(err)
	_ = resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("application/json", resp.Header.Get("Content-Type"))

	// Unknown row
	resp, err = http.Get(server.URL + "/rows/profiles/missing")
	req.NoError(err)
	_ = resp.Body.Close()
	req.Equal(http.StatusNotFound, resp.StatusCode)
}

func TestRowJSON_Hides_Password_Hash(t *testing.T) {
	req := require.New(t)
	db := seededDB(t)

	var body string
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("cred:ada@example.com"))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			body, err = RowJSON(val)
			return err
		})
	})
	req.NoError(err)
	req.Contains(body, "ada@example.com")
	req.NotContains(body, "password_hash")
}
