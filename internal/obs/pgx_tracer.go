package obs

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxStatementLength = 300

type pgxSpanKey struct{}

// PGXTracer emits a span per SQL statement executed through the pool.
type PGXTracer struct{}

// TraceQueryStart opens the span and tags it with the statement and verb.
func (PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	ctx, span := otel.Tracer("db.pgx").Start(ctx, "sql.query")
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.statement", clipStatement(data.SQL)),
	}
	if verb := statementVerb(data.SQL); verb != "" {
		attrs = append(attrs, attribute.String("db.operation", verb))
	}
	span.SetAttributes(attrs...)
	return context.WithValue(ctx, pgxSpanKey{}, span)
}

// TraceQueryEnd closes the span, marking it failed when the statement errored.
func (PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span, ok := ctx.Value(pgxSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	if data.Err != nil {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
	} else {
		span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	}
	span.End()
}

func clipStatement(sql string) string {
	trimmed := strings.TrimSpace(sql)
	if len(trimmed) > maxStatementLength {
		return trimmed[:maxStatementLength] + "..."
	}
	return trimmed
}

func statementVerb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
