package logger

import "time"

// StartupConfig holds configuration information for startup logging.
type StartupConfig struct {
	StatusAddr      string
	InboundCount    int
	OutboundCount   int
	RuleSourceCount int
	RefreshInterval time.Duration
	LogDir          string
}

// LogStartup outputs version information and a configuration summary.
func LogStartup(config *StartupConfig) {
	Info("=================================================")
	Info("tunnelgateway starting")
	Info("Version: %s", Version)
	Info("Build Time: %s", BuildTime)
	Info("Git Commit: %s", GitCommit)
	if config != nil {
		Info("-------------------------------------------------")
		Info("  Status Server: %s", config.StatusAddr)
		Info("  Inbounds: %d", config.InboundCount)
		Info("  Outbounds: %d", config.OutboundCount)
		Info("  Rule Sources: %d (refresh every %v)", config.RuleSourceCount, config.RefreshInterval)
		Info("  Log Directory: %s", config.LogDir)
	}
	Info("=================================================")
}

// LogInboundStarted logs when an inbound listener starts.
func LogInboundStarted(id, listenAddr, typ string) {
	Info("Inbound started: id=%s, listen=%s, type=%s", id, listenAddr, typ)
}

// LogInboundStopped logs when an inbound listener stops.
func LogInboundStopped(id string) {
	Info("Inbound stopped: id=%s", id)
}

// LogTunnelFailed logs a failed outbound connect attempt.
func LogTunnelFailed(protocol, client, target, code string, err error) {
	Warn("Tunnel failed: protocol=%s, client=%s, target=%s, code=%s, error=%v", protocol, client, target, code, err)
}

// LogAccess logs a completed tunnel.
func LogAccess(protocol, user, client, target, outbound string, up, down int64, duration time.Duration) {
	Info("Tunnel closed: protocol=%s, user=%s, client=%s, target=%s, outbound=%s, up=%d, down=%d, duration=%v",
		protocol, user, client, target, outbound, up, down, duration)
}

// LogRuleRefresh logs the outcome of refreshing one rule source.
func LogRuleRefresh(source string, rules int, stale bool, err error) {
	switch {
	case err != nil:
		Error("Rule source refresh failed: source=%s, error=%v", source, err)
	case stale:
		Warn("Rule source loaded from stale cache: source=%s, rules=%d", source, rules)
	default:
		Info("Rule source refreshed: source=%s, rules=%d", source, rules)
	}
}

// LogDNSDropped logs an upstream DNS response that matched no pending query.
func LogDNSDropped(upstream string, id uint16) {
	Debug("DNS response dropped: upstream=%s, id=%d", upstream, id)
}

// LogConfigReloaded logs when inbound configuration is reloaded.
func LogConfigReloaded(inboundCount int) {
	Info("Configuration reloaded: %d inbounds configured", inboundCount)
}
