// Command manifold is a minimal CLI collaborator for exercising a Manifold
// database from a shell: create/list column families, and put/get/scan keys
// within one.
//
// Usage:
//
//	manifold -db data.manifold create-cf users
//	manifold -db data.manifold list-cf
//	manifold -db data.manifold put users alice '{"age":30}'
//	manifold -db data.manifold get users alice
//	manifold -db data.manifold scan users
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"

	"github.com/Felmond13/manifold/manifold"
)

func main() {
	dbPath := flag.String("db", "data.manifold", "database file path")
	durable := flag.Bool("durable", true, "fsync writes before returning")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		log.Fatal("usage: manifold -db PATH <create-cf|list-cf|put|get|scan> ...")
	}

	db, err := manifold.Open(*dbPath, manifold.WithLogger(slog.Default()))
	if err != nil {
		log.Fatalf("open %s: %v", *dbPath, err)
	}
	defer db.Close()

	cmd := args[0]
	rest := args[1:]
	var runErr error
	switch cmd {
	case "create-cf":
		runErr = runCreateCF(db, rest)
	case "list-cf":
		runErr = runListCF(db)
	case "put":
		runErr = runPut(db, rest, *durable)
	case "get":
		runErr = runGet(db, rest)
	case "scan":
		runErr = runScan(db, rest)
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if runErr != nil {
		log.Fatal(runErr)
	}
}

func runCreateCF(db *manifold.DB, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("create-cf requires exactly one name")
	}
	_, err := db.CreateColumnFamily(args[0])
	return err
}

func runListCF(db *manifold.DB) error {
	for _, name := range db.ListColumnFamilies() {
		fmt.Println(name)
	}
	return nil
}

func runPut(db *manifold.DB, args []string, durable bool) error {
	if len(args) != 3 {
		return fmt.Errorf("put requires <cf> <key> <value>")
	}
	cf, err := db.ColumnFamilyOrCreate(args[0])
	if err != nil {
		return err
	}
	txn, err := cf.BeginWrite()
	if err != nil {
		return err
	}
	if err := txn.Put([]byte(args[1]), []byte(args[2])); err != nil {
		txn.Rollback()
		return err
	}
	d := manifold.None
	if durable {
		d = manifold.Immediate
	}
	return txn.Commit(d)
}

func runGet(db *manifold.DB, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("get requires <cf> <key>")
	}
	cf, err := db.ColumnFamily(args[0])
	if err != nil {
		return err
	}
	txn, err := cf.BeginRead()
	if err != nil {
		return err
	}
	defer txn.Close()
	val, ok, err := txn.Get([]byte(args[1]))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %q not found", args[1])
	}
	fmt.Println(string(val))
	return nil
}

func runScan(db *manifold.DB, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("scan requires <cf>")
	}
	cf, err := db.ColumnFamily(args[0])
	if err != nil {
		return err
	}
	txn, err := cf.BeginRead()
	if err != nil {
		return err
	}
	defer txn.Close()
	return txn.Scan(nil, nil, func(k, v []byte) bool {
		fmt.Printf("%s\t%s\n", k, v)
		return true
	})
}
