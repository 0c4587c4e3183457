package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/creditledger/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Route classes group endpoints by the ledger concern they touch.
const (
	RouteClassLedgerRead = "ledger_read"
	RouteClassSync       = "sync"
	RouteClassSession    = "session"
	RouteClassBilling    = "billing"
	RouteClassAdmin      = "admin"
	RouteClassOps        = "ops"
	RouteClassUnknown    = "unknown"
)

// RouteClass maps a gin route template to its class.
func RouteClass(route string) string {
	switch {
	case route == "":
		return RouteClassUnknown
	case strings.HasPrefix(route, "/admin/"):
		return RouteClassAdmin
	case route == "/v1/credits/sync":
		return RouteClassSync
	case route == "/v1/sessions/started":
		return RouteClassSession
	case strings.HasPrefix(route, "/v1/billing/"):
		return RouteClassBilling
	case strings.HasPrefix(route, "/v1/credits/"):
		return RouteClassLedgerRead
	case route == "/health" || route == "/metrics":
		return RouteClassOps
	default:
		return RouteClassUnknown
	}
}

// GinMiddleware opens a server span per request. Route class, pool filter
// and whether the caller authenticated are attached once handlers ran; the
// user id itself never reaches the span.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("creditledger/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			ctx = withRequestBaggage(ctx, requestID)
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		class := RouteClass(route)
		if route == "" {
			route = RouteClassUnknown
		}
		span.SetName(c.Request.Method + " " + route)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.String("creditledger.route_class", class),
			attribute.Bool("creditledger.authenticated", obscontext.UserIDFromContext(c.Request.Context()) != ""),
		}
		if pool := poolFilter(c.Query("pool")); pool != "" {
			attrs = append(attrs, attribute.String("creditledger.pool", pool))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if c.Writer.Status() >= http.StatusInternalServerError {
			if last := c.Errors.Last(); last != nil {
				span.RecordError(SafeError(last.Err))
			}
			span.SetStatus(codes.Error, class)
		}
	}
}

// poolFilter only echoes known pool names so arbitrary query text stays
// out of span attributes.
func poolFilter(raw string) string {
	switch pool := strings.ToLower(strings.TrimSpace(raw)); pool {
	case "regular", "health_score":
		return pool
	default:
		return ""
	}
}

func withRequestBaggage(ctx context.Context, requestID string) context.Context {
	member, err := baggage.NewMember("request_id", requestID)
	if err != nil {
		return ctx
	}
	bag, err := baggage.New(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
