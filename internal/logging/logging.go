// Package logging constructs the zap.Logger used across the backplane.
// main.go would otherwise call zap.NewProduction() (or zap.NewDevelopment()
// locally) directly; this package centralizes that single choice so every
// component gets the same logger shape.
package logging

import (
	"os"

	"go.uber.org/zap"
)

// New builds a production-shaped JSON logger, or a development console
// logger when EMS_ENV=dev.
func New() (*zap.Logger, error) {
	if os.Getenv("EMS_ENV") == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
