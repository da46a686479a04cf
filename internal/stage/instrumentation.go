package stage

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/ashureev/improv-stage/internal/stage"

var tracer = otel.Tracer(scopeName)
