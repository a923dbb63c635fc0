package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Chain URLs often embed a provider key.
	redact(&out.Chain.RPCURL)

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Server
	redact(&out.Server.APIKey)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Chain.Currencies = cloneStrings(cfg.Chain.Currencies)
	out.Reconciler.BuyBalanceDeny = cloneStrings(cfg.Reconciler.BuyBalanceDeny)
	out.Reconciler.BuyApprovalDeny = cloneStrings(cfg.Reconciler.BuyApprovalDeny)
	out.Reconciler.SellBalanceDeny = cloneStrings(cfg.Reconciler.SellBalanceDeny)
	out.Reconciler.SellApprovalDeny = cloneStrings(cfg.Reconciler.SellApprovalDeny)
	out.Partial.Collections = cloneStrings(cfg.Partial.Collections)
	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	out.Notify.Events = cloneStrings(cfg.Notify.Events)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
