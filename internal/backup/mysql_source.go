package backup

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// MySQLSource implements SchemaSource against a live MySQL server.
type MySQLSource struct {
	db     *sql.DB
	schema string
	prefix string
}

// NewMySQLSource opens a connection pool to the site database.
func NewMySQLSource(conn ConnConfig) (*MySQLSource, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", conn.User, conn.Password, conn.Host, conn.Port, conn.Name)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open site database: %w", err)
	}
	return &MySQLSource{db: db, schema: conn.Name, prefix: conn.TablePrefix}, nil
}

// Close releases the connection pool.
func (s *MySQLSource) Close() error {
	return s.db.Close()
}

// Tables lists the tables carrying the configured prefix, in the schema's
// discovery order.
func (s *MySQLSource) Tables(ctx context.Context) ([]string, error) {
	pattern := likeEscape(s.prefix) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = ? AND table_name LIKE ? ESCAPE '\\'
		 ORDER BY table_name`, s.schema, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// CreateStatement returns the server's own CREATE TABLE text for the table.
func (s *MySQLSource) CreateStatement(ctx context.Context, table string) (string, error) {
	var name, create string
	row := s.db.QueryRowContext(ctx, "SHOW CREATE TABLE "+quoteIdentifier(table))
	if err := row.Scan(&name, &create); err != nil {
		return "", err
	}
	return create, nil
}

// FetchPage reads one page of rows in natural storage order. Every value is
// read as its string form; nil marks SQL NULL.
func (s *MySQLSource) FetchPage(ctx context.Context, table string, offset, limit int) ([][]*string, error) {
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d, %d", quoteIdentifier(table), offset, limit)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var page [][]*string
	for rows.Next() {
		raw := make([]sql.RawBytes, len(cols))
		scan := make([]any, len(cols))
		for i := range raw {
			scan[i] = &raw[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, err
		}
		row := make([]*string, len(cols))
		for i, cell := range raw {
			if cell != nil {
				v := string(cell)
				row[i] = &v
			}
		}
		page = append(page, row)
	}
	return page, rows.Err()
}

// likeEscape neutralizes LIKE wildcards in the table prefix so "wp_" matches
// the literal underscore.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
