package api

import (
	"net/http"
	"time"

	"reliefdispatch/internal/auth"
	"reliefdispatch/internal/buildinfo"
	"reliefdispatch/internal/config"
)

// DebugJSON serves GET /debug/info: build metadata and the effective configuration with
// secrets replaced by presence flags.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.RoleAdmin) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"build":           buildinfo.Info(),
		"time":            time.Now().UTC().Format(time.RFC3339),
		"config":          redactedConfig(s.Config),
	})
}

func redactedConfig(c config.Config) map[string]any {
	return map[string]any{
		"port":            c.Server.Port,
		"storeDriver":     c.Store.Driver,
		"hasDatabaseUrl":  c.Store.DatabaseURL != "",
		"sqlitePath":      c.Store.SQLitePath,
		"migrate":         c.Store.Migrate,
		"hasRedis":        c.Redis.Configured(),
		"redisTls":        c.Redis.TLS,
		"assignmentsTtl":  c.Assignments.CacheTTL.String(),
		"assignmentsMode": c.Assignments.Mode,
		"authMode":        c.Auth.Mode,
		"hasHmacSecret":   c.Auth.HMACSecret != "",
		"rateRps":         c.RateLimit.RPS,
		"rateBurst":       c.RateLimit.Burst,
		"webhookAttempts": c.Webhooks.MaxAttempts,
		"webhookPoll":     c.Webhooks.PollInterval.String(),
		"broker":          c.Broker.Driver,
		"hasNatsUrl":      c.Broker.NATSURL != "",
		"logLevel":        c.Log.Level,
		"logFormat":       c.Log.Format,
	}
}
