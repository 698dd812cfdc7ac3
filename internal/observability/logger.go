package observability

import "go.uber.org/zap"

// NewLogger builds the zap logger every WIP server starts with: JSON
// production config in any environment other than "development", where it
// switches to zap's human-readable console encoder.
func NewLogger(environment string) (*zap.Logger, error) {
	if environment == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
