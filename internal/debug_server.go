package internal

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const maxInspectRows = 500

var inspectTemplate = template.Must(template.New("inspect").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>campus-chat inspect</title>
<style>body{font-family:monospace}td,th{padding:2px 8px;text-align:left}</style></head>
<body>
<form><input name="prefix" value="{{.Prefix}}"><button>inspect</button></form>
<table>{{range $k, $v := .Stats}}<tr><th>{{$k}}</th><td>{{$v}}</td></tr>{{end}}</table>
<table><tr><th>key</th><th>type</th><th>time</th><th>entity</th><th>scope</th><th>detail</th></tr>
{{range .Items}}<tr><td>{{.Key}}</td><td>{{.Type}}</td><td>{{.Timestamp}}</td><td>{{.EntityID}}</td><td>{{.Namespace}}</td><td>{{.Detail}}</td></tr>{{end}}
</table></body></html>`))

type InspectRow struct {
	Key       string
	Type      string
	Timestamp string
	EntityID  string
	Namespace string
	Detail    string
}

type RowMapper func(key string, val []byte) InspectRow
type StatsProvider func() map[string]any

type PageData struct {
	Prefix string
	Items  []InspectRow
	Stats  map[string]any
}

// NewDebugServer serves a read-only view of the Badger keyspace under
// endpoint and the live stats as JSON under /stats. It must never be exposed
// publicly.
func NewDebugServer(db *badger.DB, address, endpoint string, mapper RowMapper, statsProvider StatsProvider) *http.Server {
	if mapper == nil {
		mapper = DefaultMapper
	}
	mux := http.NewServeMux()

	mux.HandleFunc(endpoint, func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		if prefix == "" {
			prefix = "conv:"
		}
		data := PageData{Prefix: prefix, Stats: make(map[string]any)}
		if statsProvider != nil {
			data.Stats = statsProvider()
		}

		_ = db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)) && len(data.Items) < maxInspectRows; it.Next() {
				item := it.Item()
				_ = item.Value(func(val []byte) error {
					data.Items = append(data.Items, mapper(string(item.Key()), val))
					return nil
				})
			}
			return nil
		})

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = inspectTemplate.Execute(w, data)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]any{}
		if statsProvider != nil {
			stats = statsProvider()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})

	return &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// DefaultMapper decodes the keys of the messaging keyspace:
// msg:{conversation}:{ts}:{seq} rows get a readable time, the others show
// their scope and entity.
func DefaultMapper(key string, val []byte) InspectRow {
	parts := strings.Split(key, ":")
	row := InspectRow{
		Key:       key,
		Type:      strings.ToUpper(parts[0]),
		Timestamp: "--:--:--",
		EntityID:  "--------",
		Namespace: "-",
		Detail:    "Size: " + strconv.Itoa(len(val)) + " bytes",
	}

	switch {
	case parts[0] == "msg" && len(parts) == 4:
		row.Namespace = short(parts[1])
		if tsNano, err := strconv.ParseInt(parts[2], 10, 64); err == nil {
			row.Timestamp = time.Unix(0, tsNano).Format("15:04:05")
		}
		row.EntityID = strings.TrimLeft(parts[3], "0")
	case len(parts) >= 3:
		row.Namespace = short(parts[1])
		row.EntityID = short(parts[2])
	case len(parts) == 2:
		row.EntityID = short(parts[1])
	}
	if len(val) > 0 && val[0] == '{' {
		row.Detail = fmt.Sprintf("%s (%d bytes)", truncate(string(val), 120), len(val))
	}
	return row
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
