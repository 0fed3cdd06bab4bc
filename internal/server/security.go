package server

import "net/http"

// SecurityConfig tunes the hardening headers attached to every response.
// Zero values take sensible defaults; the middleware never disables a header
// unless the corresponding field is explicitly set to "off".
type SecurityConfig struct {
	FrameOptions          string
	ContentTypeOptions    string
	ReferrerPolicy        string
	ContentSecurityPolicy string
}

const securityHeaderOff = "off"

// connect-src admits websocket upgrades from the relay's own host.
const defaultContentSecurityPolicy = "default-src 'self'; connect-src 'self' ws: wss:; img-src 'self' data: https:; style-src 'self' 'unsafe-inline'"

func (c SecurityConfig) withDefaults() SecurityConfig {
	if c.FrameOptions == "" {
		c.FrameOptions = "DENY"
	}
	if c.ContentTypeOptions == "" {
		c.ContentTypeOptions = "nosniff"
	}
	if c.ReferrerPolicy == "" {
		c.ReferrerPolicy = "strict-origin-when-cross-origin"
	}
	if c.ContentSecurityPolicy == "" {
		c.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	return c
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	cfg = cfg.withDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		if cfg.FrameOptions != securityHeaderOff {
			headers.Set("X-Frame-Options", cfg.FrameOptions)
		}
		if cfg.ContentTypeOptions != securityHeaderOff {
			headers.Set("X-Content-Type-Options", cfg.ContentTypeOptions)
		}
		if cfg.ReferrerPolicy != securityHeaderOff {
			headers.Set("Referrer-Policy", cfg.ReferrerPolicy)
		}
		if cfg.ContentSecurityPolicy != securityHeaderOff {
			headers.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
		}
		next.ServeHTTP(w, r)
	})
}
