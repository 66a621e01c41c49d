package main

import (
	"agency-crm/internal"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"
)

func main() {
	dbPath := flag.String("db", os.Getenv("BADGER_FILEPATH"), "Path to badger DB")
	prefix := flag.String("prefix", "row:", "Key prefix to scan")
	serve := flag.String("serve", "", "Serve the browser view on this address instead of printing")
	flag.Parse()

	// Read only with the lock bypassed so a running console keeps its lock
	db, err := badger.Open(badger.DefaultOptions(*dbPath).
		WithReadOnly(true).
		WithBypassLockGuard(true).
		WithLogger(nil))
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	if *serve != "" {
		handler := internal.NewInspectHandler(logs.GetLoggerFromString("INFO"), db, nil)
		fmt.Printf("Inspector at http://%s/inspect?prefix=%s\n", *serve, *prefix)
		if err := http.ListenAndServe(*serve, handler); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
		return
	}

	rows, err := internal.ScanRows(db, *prefix, nil)
	if err != nil {
		log.Fatal(err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Kind", "ID", "Created", "Detail"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	for _, r := range rows {
		table.Append([]string{r.Key, r.Kind, r.ID, r.CreatedAt, r.Detail})
	}
	table.Render()
}
