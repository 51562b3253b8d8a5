package backup

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// rowsPerInsert is the page size for the native export: each page becomes one
// multi-row INSERT statement.
const rowsPerInsert = 100

// ConnConfig carries the connection parameters for the site database. The
// exporter consumes them; it does not own or validate them.
type ConnConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Name        string
	TablePrefix string
}

// SchemaSource abstracts the queries the native export needs, so the export
// logic is testable without a live MySQL server.
type SchemaSource interface {
	// Tables lists the tables of the site's schema namespace, in discovery order.
	Tables(ctx context.Context) ([]string, error)
	// CreateStatement returns the table's native CREATE TABLE statement.
	CreateStatement(ctx context.Context, table string) (string, error)
	// FetchPage returns up to limit rows starting at offset, in the table's
	// natural storage order. A nil cell is SQL NULL.
	FetchPage(ctx context.Context, table string, offset, limit int) ([][]*string, error)
}

// Exporter produces a SQL dump of the site database. It tries mysqldump first
// and falls back to a chunked in-process export that is always available.
type Exporter struct {
	conn     ConnConfig
	source   SchemaSource
	pageSize int
}

// NewExporter creates an Exporter for the given connection and schema source.
func NewExporter(conn ConnConfig, source SchemaSource) *Exporter {
	return &Exporter{
		conn:     conn,
		source:   source,
		pageSize: rowsPerInsert,
	}
}

// Seams for the external process boundary, swapped out in tests.
var (
	lookPath = exec.LookPath
	runDump  = func(ctx context.Context, args []string, stdout, stderr *os.File) error {
		cmd := exec.CommandContext(ctx, "mysqldump", args...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		return cmd.Run()
	}
)

// Export writes a full SQL dump of the site database to outputPath. A
// mysqldump failure is recovered locally by the native export; the returned
// error is non-nil only when both strategies fail.
func (e *Exporter) Export(ctx context.Context, outputPath string) error {
	if err := e.exportWithTool(ctx, outputPath); err != nil {
		log.Warn().Err(err).Msg("mysqldump export unusable, falling back to native export")
		return e.exportNative(ctx, outputPath)
	}
	return nil
}

// exportWithTool runs mysqldump with stdout redirected to outputPath and
// stderr to a sibling file. It is considered successful only when the dump is
// non-empty and mysqldump wrote nothing to stderr.
func (e *Exporter) exportWithTool(ctx context.Context, outputPath string) error {
	if _, err := lookPath("mysqldump"); err != nil {
		return fmt.Errorf("%w: tool not found in PATH", ErrExportTool)
	}

	// Each value is its own argv element; no shell is involved.
	args := []string{
		"--host=" + e.conn.Host,
		"--port=" + strconv.Itoa(e.conn.Port),
		"--user=" + e.conn.User,
		"--password=" + e.conn.Password,
		"--single-transaction",
		"--quick",
		e.conn.Name,
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExportTool, err)
	}
	errPath := outputPath + ".err"
	errFile, err := os.Create(errPath)
	if err != nil {
		outFile.Close()
		os.Remove(outputPath)
		return fmt.Errorf("%w: %v", ErrExportTool, err)
	}

	runErr := runDump(ctx, args, outFile, errFile)
	outFile.Close()
	errFile.Close()

	outInfo, outStatErr := os.Stat(outputPath)
	errInfo, errStatErr := os.Stat(errPath)

	if runErr == nil && outStatErr == nil && outInfo.Size() > 0 && errStatErr == nil && errInfo.Size() == 0 {
		os.Remove(errPath)
		return nil
	}

	diag := "mysqldump produced no diagnostics"
	if data, readErr := os.ReadFile(errPath); readErr == nil && len(strings.TrimSpace(string(data))) > 0 {
		diag = strings.TrimSpace(string(data))
	}
	os.Remove(outputPath)
	os.Remove(errPath)
	return fmt.Errorf("%w: %s", ErrExportTool, diag)
}

// exportNative dumps every table through the schema source, paging rows in
// fixed-size batches so large tables never have to fit in memory.
func (e *Exporter) exportNative(ctx context.Context, outputPath string) error {
	tables, err := e.source.Tables(ctx)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	if len(tables) == 0 {
		return ErrNoTables
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	w := bufio.NewWriter(f)

	if err := e.writeDump(ctx, w, tables); err != nil {
		f.Close()
		os.Remove(outputPath)
		return err
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(outputPath)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(outputPath)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func (e *Exporter) writeDump(ctx context.Context, w *bufio.Writer, tables []string) error {
	fmt.Fprintf(w, "-- sitevault SQL export\n-- Database: %s\n-- Host: %s\n-- Date: %s\n\n",
		e.conn.Name, e.conn.Host, time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "SET NAMES utf8mb4;\nSET FOREIGN_KEY_CHECKS=0;\nSET SQL_MODE='NO_AUTO_VALUE_ON_ZERO';\nSTART TRANSACTION;\n\n")

	for _, table := range tables {
		if err := e.writeTable(ctx, w, table); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "COMMIT;\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func (e *Exporter) writeTable(ctx context.Context, w *bufio.Writer, table string) error {
	create, err := e.source.CreateStatement(ctx, table)
	if err != nil {
		return fmt.Errorf("create statement for %s: %w", table, err)
	}

	ident := quoteIdentifier(table)
	fmt.Fprintf(w, "DROP TABLE IF EXISTS %s;\n%s;\n\n", ident, strings.TrimRight(create, "; \n"))

	for offset := 0; ; offset += e.pageSize {
		rows, err := e.source.FetchPage(ctx, table, offset, e.pageSize)
		if err != nil {
			return fmt.Errorf("fetch rows from %s: %w", table, err)
		}
		if len(rows) > 0 {
			if err := writeInsert(w, ident, rows); err != nil {
				return err
			}
		}
		// A short page is the last page; an empty page is just the shortest
		// short page.
		if len(rows) < e.pageSize {
			break
		}
	}

	w.WriteString("\n")
	return nil
}

func writeInsert(w *bufio.Writer, ident string, rows [][]*string) error {
	if _, err := fmt.Fprintf(w, "INSERT INTO %s VALUES ", ident); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	for i, row := range rows {
		if i > 0 {
			w.WriteString(",")
		}
		w.WriteString("(")
		for j, cell := range row {
			if j > 0 {
				w.WriteString(",")
			}
			w.WriteString(valueLiteral(cell))
		}
		w.WriteString(")")
	}
	if _, err := w.WriteString(";\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// valueEscaper covers the characters mysql requires escaping inside a
// single-quoted string literal.
var valueEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\x00", `\0`,
	"\x1a", `\Z`,
)

// valueLiteral renders a cell as NULL or a quoted escaped string. The export
// is deliberately untyped; the server casts on re-import.
func valueLiteral(cell *string) string {
	if cell == nil {
		return "NULL"
	}
	return "'" + valueEscaper.Replace(*cell) + "'"
}

// quoteIdentifier strips any embedded backticks before re-wrapping, so a
// hostile table name cannot break out of the quoted identifier.
func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "") + "`"
}
