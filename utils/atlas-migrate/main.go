// Package main - prints the SQL schema of the record chain tables for Atlas migrations
package main

import (
	"fmt"
	"os"

	"ariga.io/atlas-provider-gorm/gormschema"
	"github.com/alwitt/sigchain/db"
	"github.com/apex/log"
)

func main() {
	dialect := "sqlite"
	if len(os.Args) > 1 {
		dialect = os.Args[1]
	}

	stmts, err := gormschema.New(dialect).Load(db.Tables()...)
	if err != nil {
		log.WithError(err).WithField("dialect", dialect).Fatal("Failed to load table definitions")
	}
	fmt.Printf("%s\n", stmts)
}
