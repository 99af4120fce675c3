package dataset

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/connector"
	"github.com/David-Botos/endo-ingress/pkg/converter"
)

// DefaultExportTable is the warehouse table receiving the manifest
const DefaultExportTable = "endoset_manifest"

// ManifestColumns are the exported columns, in row order
func ManifestColumns() []converter.Column {
	return []converter.Column{
		{Name: "id", Type: converter.TypeString, Length: 36, PrimaryKey: true},
		{Name: "content_hash", Type: converter.TypeString, Length: 71},
		{Name: "image_path", Type: converter.TypeString},
		{Name: "category", Type: converter.TypeString},
		{Name: "sex", Type: converter.TypeString, Nullable: true},
		{Name: "age_range", Type: converter.TypeString, Nullable: true},
		{Name: "location", Type: converter.TypeString, Nullable: true},
		{Name: "bbox", Type: converter.TypeJSON},
		{Name: "confidence", Type: converter.TypeFloat},
		{Name: "classifications", Type: converter.TypeJSON, Nullable: true},
		{Name: "split", Type: converter.TypeString, Length: 16},
		{Name: "annotation_count", Type: converter.TypeInteger},
		{Name: "exported_at", Type: converter.TypeTimestamp},
	}
}

// ExportResult summarizes one export
type ExportResult struct {
	Table    string
	Rows     int64
	Duration time.Duration
}

// Exporter writes manifest rows to a warehouse table. Every export is a
// full refresh: the table is dropped and recreated.
type Exporter struct {
	conn      connector.DatabaseConnector
	table     string
	dialect   converter.Dialect
	converter *converter.TypeConverter
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

// NewExporter creates an Exporter for table on conn
func NewExporter(conn connector.DatabaseConnector, table string, logger *zap.Logger) (*Exporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d, err := converter.DialectForDriver(conn.DriverName())
	if err != nil {
		return nil, err
	}
	if table == "" {
		table = DefaultExportTable
	}
	return &Exporter{
		conn:      conn,
		table:     table,
		dialect:   d,
		converter: converter.NewTypeConverter(logger),
		batchSize: 500,
		logger:    logger.Named("exporter"),
		now:       time.Now,
	}, nil
}

// WithBatchSize sets the rows per INSERT statement
func (e *Exporter) WithBatchSize(n int) *Exporter {
	if n > 0 {
		e.batchSize = n
	}
	return e
}

// Table returns the quoted table name
func (e *Exporter) Table() string {
	return converter.QuoteIdentifier(e.table, e.dialect)
}

// Export replaces the table contents with one row per unique image in entries
func (e *Exporter) Export(ctx context.Context, entries []Entry) (ExportResult, error) {
	start := e.now()
	table := e.Table()

	rows, err := e.rows(entries, start.UTC())
	if err != nil {
		return ExportResult{}, err
	}

	cols := e.converter.OptimizeColumns(ManifestColumns(), rows)
	defs, err := e.converter.GenerateColumnDefinitions(cols, e.dialect)
	if err != nil {
		return ExportResult{}, fmt.Errorf("failed to generate column definitions: %w", err)
	}

	if _, err := e.conn.ExecWithTimeout(ctx, "DROP TABLE IF EXISTS "+table, 30*time.Second); err != nil {
		return ExportResult{}, fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	if err := connector.CreateTableIfNotExists(ctx, e.conn, table, defs, converter.PrimaryKey(cols, e.dialect)); err != nil {
		return ExportResult{}, err
	}

	converted := make([][]interface{}, len(rows))
	for i, row := range rows {
		cv, err := e.converter.ConvertRow(row, cols, e.dialect)
		if err != nil {
			return ExportResult{}, fmt.Errorf("failed to convert row %d: %w", i, err)
		}
		converted[i] = cv
	}

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = converter.QuoteIdentifier(c.Name, e.dialect)
	}

	n, err := connector.BatchInsert(ctx, e.conn, table, names, converted, e.batchSize)
	if err != nil {
		return ExportResult{}, fmt.Errorf("failed to export manifest: %w", err)
	}

	res := ExportResult{Table: table, Rows: n, Duration: e.now().Sub(start)}
	e.logger.Info("Exported manifest",
		zap.String("table", table),
		zap.Int64("rows", n),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// RowCount returns the number of rows currently in the table
func (e *Exporter) RowCount(ctx context.Context) (int64, error) {
	rows, err := e.conn.QueryWithTimeout(ctx, "SELECT COUNT(*) FROM "+e.Table(), 30*time.Second)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	defer rows.Close()

	var n int64
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("no results returned from count query")
	}
	if err := rows.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to scan count: %w", err)
	}
	return n, nil
}

func (e *Exporter) rows(entries []Entry, exportedAt time.Time) ([][]interface{}, error) {
	seen := make(map[string]bool, len(entries))
	rows := make([][]interface{}, 0, len(entries))
	for _, entry := range entries {
		md := entry.Metadata
		if seen[md.ImageID] {
			continue
		}
		seen[md.ImageID] = true

		bb := md.BoundingBox
		bbox, err := e.converter.HandleArray([]float64{bb.X, bb.Y, bb.Width, bb.Height})
		if err != nil {
			return nil, fmt.Errorf("failed to encode bbox of %s: %w", md.ImageID, err)
		}
		var classifications interface{}
		if len(md.Classifications) > 0 {
			b, err := e.converter.HandleObject(md.Classifications)
			if err != nil {
				return nil, fmt.Errorf("failed to encode classifications of %s: %w", md.ImageID, err)
			}
			classifications = b
		}

		rows = append(rows, []interface{}{
			md.ImageID,
			md.ContentHash,
			entry.ImagePath,
			md.Category,
			md.Sex,
			md.AgeRange,
			md.Location,
			bbox,
			md.Confidence,
			classifications,
			md.Split,
			md.AnnotationCount,
			exportedAt,
		})
	}
	return rows, nil
}
