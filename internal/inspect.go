package internal

import (
	"agency-crm/repositories"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// InspectRow is one badger entry as shown by the inspector.
type InspectRow struct {
	Key       string
	Kind      string
	ID        string
	CreatedAt string
	Detail    string
}

type RowMapper func(key string, val []byte) InspectRow

var hiddenColumns = []string{"password_hash"}

// DefaultMapper understands the gateway key layout: rows, credentials,
// revocations and the local session token.
func DefaultMapper(key string, val []byte) InspectRow {
	row := InspectRow{Key: key, Kind: "raw", ID: "-", CreatedAt: "-",
		Detail: fmt.Sprintf("Size: %d bytes", len(val))}

	switch {
	case strings.HasPrefix(key, "row:"):
		parts := strings.SplitN(key, ":", 3)
		if len(parts) == 3 {
			row.Kind, row.ID = parts[1], shortID(parts[2])
		}
	case strings.HasPrefix(key, "cred:"):
		row.Kind, row.ID = "credential", strings.TrimPrefix(key, "cred:")
	case strings.HasPrefix(key, "revoked:"):
		row.Kind, row.ID = "revoked", shortID(strings.TrimPrefix(key, "revoked:"))
		return row
	case strings.HasPrefix(key, "local:"):
		row.Kind, row.Detail = "session", "token present"
		return row
	}

	record, err := repositories.DecodeRecord(val)
	if err != nil {
		return row
	}
	if at, ok := record["created_at"].(string); ok {
		row.CreatedAt = at
	}
	columns := lo.Without(lo.Keys(map[string]any(record)), append(hiddenColumns, "id", "created_at")...)
	slices.Sort(columns)
	row.Detail = strings.Join(lo.Map(columns, func(c string, _ int) string {
		return fmt.Sprintf("%s=%v", c, record[c])
	}), " ")
	return row
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ScanRows reads every entry under prefix, skipping nothing.
func ScanRows(db *badger.DB, prefix string, mapper RowMapper) ([]InspectRow, error) {
	if mapper == nil {
		mapper = DefaultMapper
	}
	var rows []InspectRow
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				rows = append(rows, mapper(string(item.Key()), val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return rows, err
}

// RowJSON renders a stored row as indented JSON, hiding secrets.
func RowJSON(val []byte) (string, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(val, &s); err != nil {
		return "", err
	}
	for _, c := range hiddenColumns {
		delete(s.Fields, c)
	}
	return protojson.MarshalOptions{Multiline: true, UseProtoNames: true}.Format(&s), nil
}

var inspectPage = template.Must(template.New("inspect").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>agency-crm inspect</title></head>
<body>
<form method="get"><input name="prefix" value="{{.Prefix}}"><button>Scan</button></form>
<table>
<tr><th>Key</th><th>Kind</th><th>ID</th><th>Created</th><th>Detail</th></tr>
{{range .Rows}}<tr><td>{{.Key}}</td><td>{{.Kind}}</td><td>{{.ID}}</td><td>{{.CreatedAt}}</td><td>{{.Detail}}</td></tr>
{{end}}</table>
</body></html>`))

type inspectData struct {
	Prefix string
	Rows   []InspectRow
}

// NewInspectHandler serves a read-only view of the store: an HTML page
// filtered by key prefix and one JSON document per row.
func NewInspectHandler(log *slog.Logger, db *badger.DB, mapper RowMapper) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/inspect", func(w http.ResponseWriter, req *http.Request) {
		prefix := req.URL.Query().Get("prefix")
		if prefix == "" {
			prefix = "row:"
		}
		rows, err := ScanRows(db, prefix, mapper)
		if err != nil {
			log.Error("Inspect scan failed", "prefix", prefix, "error", err)
			http.Error(w, "scan failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := inspectPage.Execute(w, inspectData{Prefix: prefix, Rows: rows}); err != nil {
			log.Warn("Inspect render failed", "error", err)
		}
	})

	r.Get("/rows/{table}/{id}", func(w http.ResponseWriter, req *http.Request) {
		key := fmt.Sprintf("row:%s:%s", chi.URLParam(req, "table"), chi.URLParam(req, "id"))
		var body string
		err := db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				body, err = RowJSON(val)
				return err
			})
		})
		switch {
		case err == badger.ErrKeyNotFound:
			http.Error(w, "not found", http.StatusNotFound)
		case err != nil:
			log.Error("Inspect row failed", "key", key, "error", err)
			http.Error(w, "read failed", http.StatusInternalServerError)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprint(w, body)
		}
	})
	return r
}
