// Package diff compares two telemetry databases row by row. Its main
// use is verifying that a replayed database matches the original
// capture.
package diff

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// Options configures diff behaviour.
type Options struct {
	SampleLimit int
}

// Summary reports per-table differences between database A and B.
type Summary struct {
	Messages TableDiff
	Nodes    TableDiff
}

// TableDiff counts rows present on only one side, with a bounded sample
// of the differing fingerprints.
type TableDiff struct {
	OnlyA       int
	OnlyB       int
	SampleOnlyA []string
	SampleOnlyB []string
}

// InSync reports whether both tables match exactly.
func (s Summary) InSync() bool {
	return s.Messages.OnlyA == 0 && s.Messages.OnlyB == 0 &&
		s.Nodes.OnlyA == 0 && s.Nodes.OnlyB == 0
}

var (
	messageRequiredColumns = []string{"from_node", "message_type", "text", "packet_id", "received_at"}
	nodeRequiredColumns    = []string{"id", "long_name", "short_name", "hw_model", "role", "first_seen"}
)

// CompareSQLite fingerprints the messages and nodes tables in both
// databases and reports rows that exist on only one side.
func CompareSQLite(ctx context.Context, pathA, pathB string, opts Options) (Summary, error) {
	if pathA == "" || pathB == "" {
		return Summary{}, errors.New("diff: both database paths must be provided")
	}

	dbA, err := openDB(pathA)
	if err != nil {
		return Summary{}, err
	}
	defer dbA.Close()

	dbB, err := openDB(pathB)
	if err != nil {
		return Summary{}, err
	}
	defer dbB.Close()

	messages, err := compareTable(ctx, dbA, dbB, "messages", messageRequiredColumns, opts.SampleLimit)
	if err != nil {
		return Summary{}, fmt.Errorf("diff messages: %w", err)
	}
	nodes, err := compareTable(ctx, dbA, dbB, "nodes", nodeRequiredColumns, opts.SampleLimit)
	if err != nil {
		return Summary{}, fmt.Errorf("diff nodes: %w", err)
	}

	return Summary{Messages: messages, Nodes: nodes}, nil
}

func compareTable(ctx context.Context, dbA, dbB *sql.DB, table string, required []string, sampleLimit int) (TableDiff, error) {
	query, err := fingerprintQuery(ctx, dbA, dbB, table, required)
	if err != nil {
		return TableDiff{}, err
	}
	fpA, err := collectFingerprints(ctx, dbA, query)
	if err != nil {
		return TableDiff{}, fmt.Errorf("side A: %w", err)
	}
	fpB, err := collectFingerprints(ctx, dbB, query)
	if err != nil {
		return TableDiff{}, fmt.Errorf("side B: %w", err)
	}
	return diffMaps(fpA, fpB, sampleLimit), nil
}

func openDB(path string) (*sql.DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("diff: resolve path %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", abs)
	if err != nil {
		return nil, fmt.Errorf("diff: open sqlite %s: %w", abs, err)
	}
	return db, nil
}

func collectFingerprints(ctx context.Context, db *sql.DB, query string) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		result[fp]++
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func diffMaps(a, b map[string]int, sampleLimit int) TableDiff {
	var (
		onlyA   int
		onlyB   int
		sampleA []string
		sampleB []string
	)

	if sampleLimit < 0 {
		sampleLimit = 0
	}

	for key, countA := range a {
		countB := b[key]
		switch {
		case countA > countB:
			diff := countA - countB
			onlyA += diff
			for i := 0; i < diff && len(sampleA) < sampleLimit; i++ {
				sampleA = append(sampleA, key)
			}
			b[key] = 0
		case countB > countA:
			b[key] = countB - countA
		default:
			b[key] = 0
		}
	}

	for key, countB := range b {
		if countB <= 0 {
			continue
		}
		onlyB += countB
		for i := 0; i < countB && len(sampleB) < sampleLimit; i++ {
			sampleB = append(sampleB, key)
		}
	}

	return TableDiff{
		OnlyA:       onlyA,
		OnlyB:       onlyB,
		SampleOnlyA: sampleA,
		SampleOnlyB: sampleB,
	}
}

// fingerprintQuery builds a stable json_object projection over the
// required columns. Both databases must carry every required column.
func fingerprintQuery(ctx context.Context, dbA, dbB *sql.DB, table string, required []string) (string, error) {
	schemaA, err := tableColumnTypes(ctx, dbA, table)
	if err != nil {
		return "", err
	}
	schemaB, err := tableColumnTypes(ctx, dbB, table)
	if err != nil {
		return "", err
	}

	cols := make([]columnInfo, 0, len(required))
	for _, name := range required {
		typ, okA := schemaA[name]
		_, okB := schemaB[name]
		if !okA || !okB {
			return "", fmt.Errorf("table %s: required column %s missing in one of the databases", table, name)
		}
		cols = append(cols, columnInfo{Name: name, Type: typ})
	}

	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })

	parts := make([]string, 0, len(cols))
	for _, col := range cols {
		parts = append(parts, fmt.Sprintf("'%s', %s", col.Name, columnExpression(col)))
	}

	return fmt.Sprintf("SELECT json_object(%s) FROM %s", strings.Join(parts, ", "), table), nil
}

type columnInfo struct {
	Name string
	Type string
}

func tableColumnTypes(ctx context.Context, db *sql.DB, table string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var (
			cid        int
			name       string
			typeName   string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typeName, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		result[name] = strings.ToUpper(typeName)
	}

	return result, rows.Err()
}

func columnExpression(col columnInfo) string {
	switch {
	case strings.Contains(col.Type, "BLOB"):
		return fmt.Sprintf("COALESCE(hex(%s), '')", col.Name)
	case isNumericType(col.Type):
		return fmt.Sprintf("COALESCE(%s, 0)", col.Name)
	default:
		return fmt.Sprintf("COALESCE(%s, '')", col.Name)
	}
}

func isNumericType(t string) bool {
	return strings.Contains(t, "INT") ||
		strings.Contains(t, "REAL") ||
		strings.Contains(t, "NUM") ||
		strings.Contains(t, "DOUBLE") ||
		strings.Contains(t, "FLOAT") ||
		strings.Contains(t, "DEC") ||
		strings.Contains(t, "BOOL")
}
