// Package main is the entry point for bleepfs-meta, the metadata export/import tool.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bleepstore/bleepfs/internal/config"
	"github.com/bleepstore/bleepfs/internal/serialization"
)

const usage = "Usage: bleepfs-meta <export|import> [flags]"

// resolveDBPath returns the metadata database named by the config file.
func resolveDBPath(configPath string) (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Metadata.Engine != "sqlite" {
		return "", fmt.Errorf("metadata engine %q has no database to export", cfg.Metadata.Engine)
	}
	return cfg.Metadata.SQLite.Path, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "bleepfs.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	format := fs.String("format", "json", "Output format")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	tables := fs.String("tables", "", "Comma-separated table names")
	fs.Parse(args)

	if *format != "json" {
		fmt.Fprintf(os.Stderr, "Error: unsupported format: %s\n", *format)
		return 1
	}

	db := *dbPath
	if db == "" {
		var err error
		db, err = resolveDBPath(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			return 1
		}
	}

	tableList, err := parseTables(*tables)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	result, err := serialization.ExportMetadata(db, &serialization.ExportOptions{Tables: tableList})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(result)
		return 0
	}
	if err := os.WriteFile(*output, []byte(result+"\n"), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	return 0
}

// parseTables splits a comma-separated table list, defaulting to every
// table.
func parseTables(list string) ([]string, error) {
	if list == "" {
		return serialization.AllTables, nil
	}
	valid := make(map[string]bool, len(serialization.AllTables))
	for _, t := range serialization.AllTables {
		valid[t] = true
	}
	var out []string
	for _, t := range strings.Split(list, ",") {
		t = strings.TrimSpace(t)
		if !valid[t] {
			return nil, fmt.Errorf("invalid table name: %s", t)
		}
		out = append(out, t)
	}
	return out, nil
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "bleepfs.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Replace mode (DELETE then INSERT)")
	fs.Parse(args)

	db := *dbPath
	if db == "" {
		var err error
		db, err = resolveDBPath(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			return 1
		}
	}

	var jsonData []byte
	var err error
	if *input == "-" {
		jsonData, err = io.ReadAll(os.Stdin)
	} else {
		jsonData, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	result, err := serialization.ImportMetadata(db, string(jsonData), &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	for _, table := range serialization.AllTables {
		count, ok := result.Counts[table]
		if !ok {
			continue
		}
		msg := fmt.Sprintf("  %s: %d imported", table, count)
		if skip := result.Skipped[table]; skip > 0 {
			msg += fmt.Sprintf(", %d skipped", skip)
		}
		fmt.Fprintln(os.Stderr, msg)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}
