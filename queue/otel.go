package queue

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var tracer = otel.Tracer("github.com/chirpline/newsfeed/queue")

var propagator = propagation.TraceContext{}
