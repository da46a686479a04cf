package gateway

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/ashureev/improv-stage/internal/gateway"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
)
