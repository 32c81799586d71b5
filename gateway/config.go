package gateway

import "github.com/Moonlitwhisper254/datakibanda/config"

// ConfigFrom maps the mpesa config section onto a client Config.
func ConfigFrom(mc config.MpesaConfig) Config {
	return Config{
		BaseURL:        mc.GatewayURL(),
		ConsumerKey:    mc.ConsumerKey,
		ConsumerSecret: mc.ConsumerSecret,
		Shortcode:      mc.Shortcode,
		Passkey:        mc.Passkey,
		CallbackURL:    mc.CallbackURL,
		Timeout:        mc.Timeout,
		Retry: RetryPolicy{
			MaxAttempts: mc.MaxAttempts,
			BaseDelay:   mc.BaseDelay,
		},
	}
}
