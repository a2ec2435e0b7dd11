//cmd/seeder/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/unclebandit/smsleopard-crm/internal/config"
	"github.com/unclebandit/smsleopard-crm/internal/db"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	cfg.Flags(pflag.CommandLine)
	schemaOnly := pflag.Bool("schema-only", false, "create tables without loading seed data")
	pflag.Parse()

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DSN())
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	if err := db.ApplySchema(ctx, conn); err != nil {
		log.Fatalf("failed to apply schema: %v", err)
	}
	fmt.Println("Schema applied")
	if *schemaOnly {
		return
	}

	seedFiles := pflag.Args()
	if len(seedFiles) == 0 {
		seedFiles = []string{"seed/demo.sql"}
	}

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatalf("failed to read %s: %v", file, err)
		}

		_, err = conn.ExecContext(ctx, string(content))
		if err != nil {
			log.Fatalf("failed to execute %s: %v", file, err)
		}
		fmt.Printf("Seeded: %s\n", file)
	}

	fmt.Println("Database seeding completed successfully!")
}
