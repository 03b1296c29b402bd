package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	_ "modernc.org/sqlite"
)

const exporterSchema = `
CREATE TABLE IF NOT EXISTS otel_spans (
	span_id        TEXT PRIMARY KEY,
	trace_id       TEXT NOT NULL,
	parent_span_id TEXT,
	flow_id        TEXT,
	name           TEXT NOT NULL,
	start_time     INTEGER NOT NULL,
	end_time       INTEGER NOT NULL,
	status_code    INTEGER NOT NULL,
	status_message TEXT,
	attributes     TEXT,
	events         TEXT
);
CREATE INDEX IF NOT EXISTS idx_otel_spans_trace ON otel_spans(trace_id);
CREATE INDEX IF NOT EXISTS idx_otel_spans_flow ON otel_spans(flow_id, start_time);

CREATE TABLE IF NOT EXISTS otel_metrics (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL,
	recorded_at INTEGER NOT NULL,
	value      REAL,
	count      INTEGER,
	attributes TEXT
);
CREATE INDEX IF NOT EXISTS idx_otel_metrics_name ON otel_metrics(name, recorded_at);
`

// SQLiteExporter keeps spans and metric data points in a local SQLite
// database. It implements both sdktrace.SpanExporter and sdkmetric.Exporter
// so a single file holds the telemetry of one engine process.
type SQLiteExporter struct {
	db        *sql.DB
	ownsDB    bool
	retention time.Duration

	mu     sync.Mutex
	closed bool
}

// ExporterOption configures a SQLiteExporter.
type ExporterOption func(*SQLiteExporter)

// WithRetention drops rows older than d after every export. Zero keeps
// everything.
func WithRetention(d time.Duration) ExporterOption {
	return func(e *SQLiteExporter) {
		e.retention = d
	}
}

// NewSQLiteExporter creates the exporter tables in db. The caller keeps
// ownership of db.
func NewSQLiteExporter(ctx context.Context, db *sql.DB, opts ...ExporterOption) (*SQLiteExporter, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	e := &SQLiteExporter{db: db}
	for _, opt := range opts {
		opt(e)
	}
	if _, err := db.ExecContext(ctx, exporterSchema); err != nil {
		return nil, fmt.Errorf("creating exporter tables: %w", err)
	}
	return e, nil
}

// OpenSQLiteExporter opens dsn and creates an exporter that closes the
// database on Close.
func OpenSQLiteExporter(ctx context.Context, dsn string, opts ...ExporterOption) (*SQLiteExporter, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	// One writer; the tracer batcher and the metric reader both export here.
	db.SetMaxOpenConns(1)

	e, err := NewSQLiteExporter(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.ownsDB = true
	return e, nil
}

// ExportSpans implements sdktrace.SpanExporter
func (e *SQLiteExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO otel_spans (
			span_id, trace_id, parent_span_id, flow_id, name,
			start_time, end_time, status_code, status_message, attributes, events
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare span statement: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		sc := span.SpanContext()

		var parent, flowID sql.NullString
		if span.Parent().SpanID().IsValid() {
			parent = sql.NullString{String: span.Parent().SpanID().String(), Valid: true}
		}
		for _, kv := range span.Attributes() {
			if kv.Key == AttrFlowID {
				flowID = sql.NullString{String: kv.Value.AsString(), Valid: true}
			}
		}

		attrs, err := json.Marshal(attributesToMap(span.Attributes()))
		if err != nil {
			return fmt.Errorf("marshal attributes: %w", err)
		}
		events, err := json.Marshal(eventsToSlice(span.Events()))
		if err != nil {
			return fmt.Errorf("marshal events: %w", err)
		}

		if _, err := stmt.ExecContext(ctx,
			sc.SpanID().String(),
			sc.TraceID().String(),
			parent,
			flowID,
			span.Name(),
			span.StartTime().UnixNano(),
			span.EndTime().UnixNano(),
			int(span.Status().Code),
			span.Status().Description,
			string(attrs),
			string(events),
		); err != nil {
			return fmt.Errorf("insert span: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return e.expire(ctx, "otel_spans", "start_time")
}

// Export implements sdkmetric.Exporter
func (e *SQLiteExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO otel_metrics (name, type, recorded_at, value, count, attributes)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare metric statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	insert := func(name, kind string, value float64, count sql.NullInt64, set attribute.Set) error {
		attrs, err := json.Marshal(attributesToMap(set.ToSlice()))
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, name, kind, now, value, count, string(attrs))
		return err
	}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			var err error
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					if err = insert(m.Name, "sum", float64(dp.Value), sql.NullInt64{}, dp.Attributes); err != nil {
						break
					}
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					if err = insert(m.Name, "sum", dp.Value, sql.NullInt64{}, dp.Attributes); err != nil {
						break
					}
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					if err = insert(m.Name, "gauge", float64(dp.Value), sql.NullInt64{}, dp.Attributes); err != nil {
						break
					}
				}
			case metricdata.Gauge[float64]:
				for _, dp := range data.DataPoints {
					if err = insert(m.Name, "gauge", dp.Value, sql.NullInt64{}, dp.Attributes); err != nil {
						break
					}
				}
			case metricdata.Histogram[float64]:
				// Stored as sum with its sample count; buckets are dropped.
				for _, dp := range data.DataPoints {
					count := sql.NullInt64{Int64: int64(dp.Count), Valid: true}
					if err = insert(m.Name, "histogram", dp.Sum, count, dp.Attributes); err != nil {
						break
					}
				}
			}
			if err != nil {
				return fmt.Errorf("export metric %s: %w", m.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return e.expire(ctx, "otel_metrics", "recorded_at")
}

// expire must be called with mu held.
func (e *SQLiteExporter) expire(ctx context.Context, table, column string) error {
	if e.retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-e.retention).UnixNano()
	if _, err := e.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table, column), cutoff); err != nil {
		return fmt.Errorf("expire %s: %w", table, err)
	}
	return nil
}

// Temporality implements sdkmetric.Exporter
func (e *SQLiteExporter) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

// Aggregation implements sdkmetric.Exporter
func (e *SQLiteExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

// ForceFlush implements sdkmetric.Exporter
func (e *SQLiteExporter) ForceFlush(ctx context.Context) error {
	return nil
}

// Shutdown implements both exporter interfaces. The database stays open
// because the tracer and meter providers shut the exporter down one after
// the other.
func (e *SQLiteExporter) Shutdown(ctx context.Context) error {
	return nil
}

// Close drops later exports and closes a database opened by
// OpenSQLiteExporter. Safe to call more than once.
func (e *SQLiteExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.ownsDB {
		return e.db.Close()
	}
	return nil
}

// StoredSpan is a span row read back from the exporter database.
type StoredSpan struct {
	SpanID       string
	TraceID      string
	ParentSpanID string
	FlowID       string
	Name         string
	Start        time.Time
	End          time.Time
	StatusCode   int
	Attributes   map[string]any
}

// FlowSpans returns the spans recorded for flowID, oldest first.
func (e *SQLiteExporter) FlowSpans(ctx context.Context, flowID string) ([]StoredSpan, error) {
	return e.querySpans(ctx, `WHERE flow_id = ? ORDER BY start_time`, flowID)
}

// TraceSpans returns every span of traceID, oldest first.
func (e *SQLiteExporter) TraceSpans(ctx context.Context, traceID string) ([]StoredSpan, error) {
	return e.querySpans(ctx, `WHERE trace_id = ? ORDER BY start_time`, traceID)
}

func (e *SQLiteExporter) querySpans(ctx context.Context, where string, arg any) ([]StoredSpan, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT span_id, trace_id, parent_span_id, flow_id, name,
		       start_time, end_time, status_code, attributes
		FROM otel_spans `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	var spans []StoredSpan
	for rows.Next() {
		var (
			s            StoredSpan
			parent, flow sql.NullString
			start, end   int64
			attrs        string
		)
		if err := rows.Scan(&s.SpanID, &s.TraceID, &parent, &flow, &s.Name, &start, &end, &s.StatusCode, &attrs); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		s.ParentSpanID = parent.String
		s.FlowID = flow.String
		s.Start = time.Unix(0, start)
		s.End = time.Unix(0, end)
		if err := json.Unmarshal([]byte(attrs), &s.Attributes); err != nil {
			return nil, fmt.Errorf("span %s attributes: %w", s.SpanID, err)
		}
		spans = append(spans, s)
	}
	return spans, rows.Err()
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		m[string(attr.Key)] = attr.Value.AsInterface()
	}
	return m
}

func eventsToSlice(events []sdktrace.Event) []map[string]any {
	result := make([]map[string]any, len(events))
	for i, event := range events {
		result[i] = map[string]any{
			"name":       event.Name,
			"timestamp":  event.Time.UnixNano(),
			"attributes": attributesToMap(event.Attributes),
		}
	}
	return result
}
