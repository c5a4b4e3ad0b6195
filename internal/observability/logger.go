package observability

import (
	"fmt"

	"github.com/airlog/airlog/internal/logger"
)

// Package-level cached logger instance.
var log = logger.Global().Module("metrics")

// promLogger routes promhttp errors to the module logger
type promLogger struct{}

func (promLogger) Println(v ...any) {
	log.Error("metrics handler error", logger.String("error", fmt.Sprint(v...)))
}
