// Package logging builds the zap logger shared by every binary.
package logging

import (
	"go.uber.org/zap"

	"github.com/medirx/rxcore/internal/config"
)

// New returns a development logger when cfg says so and a production JSON
// logger otherwise. Every entry carries the service name.
func New(service string, cfg *config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsDev() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", service)), nil
}
