package transport

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/laserguidance/targeting/internal/transport"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
