package manager

import (
	"mcpbridge/internal/health"
	"mcpbridge/internal/mcperr"
	"mcpbridge/internal/validation"
)

// validateServerConfig checks a ServerConfig before any spawn attempt,
// so a bad config never leaves stale state behind.
func validateServerConfig(cfg ServerConfig) error {
	var errs validation.ValidationErrors

	if cfg.ID != "" {
		if err := validation.ValidateEntityName(cfg.ID, "server"); err != nil {
			if ve, ok := err.(validation.ValidationError); ok {
				errs = append(errs, ve)
			}
		}
	}

	if cfg.Spawn.Command == "" && cfg.Spawn.Package == "" {
		errs.Add("spawn", "either command or package must be set")
	}

	if cfg.RestartPolicy != "" {
		if err := validation.ValidateOneOf("restart_policy", string(cfg.RestartPolicy),
			[]string{string(Permanent), string(Transient), string(Temporary)}); err != nil {
			if ve, ok := err.(validation.ValidationError); ok {
				errs = append(errs, ve)
			}
		}
	}

	if cfg.Health.Type != "" {
		if err := validation.ValidateOneOf("health_check.type", string(cfg.Health.Type),
			[]string{string(health.Basic), string(health.Stdio), string(health.TCP), string(health.WebSocket), string(health.Custom)}); err != nil {
			if ve, ok := err.(validation.ValidationError); ok {
				errs = append(errs, ve)
			}
		}

		switch cfg.Health.Type {
		case health.TCP:
			if err := validation.ValidateRequired("health_check.tcp_address", cfg.Health.TCPAddress, "tcp health check"); err != nil {
				if ve, ok := err.(validation.ValidationError); ok {
					errs = append(errs, ve)
				}
			}
		case health.WebSocket:
			if err := validation.ValidateRequired("health_check.websocket_url", cfg.Health.WebSocketURL, "websocket health check"); err != nil {
				if ve, ok := err.(validation.ValidationError); ok {
					errs = append(errs, ve)
				}
			}
		case health.Custom:
			if cfg.Health.CustomFn == nil {
				errs.Add("health_check.custom_fn", "must be set for custom health checks")
			}
		}
	}

	if !errs.HasErrors() {
		return nil
	}
	return &mcperr.ConfigurationError{Field: errs[0].Field, Message: errs.Error()}
}
