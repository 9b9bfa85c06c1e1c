// Package config handles configuration loading for forum-auth.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; anything else is
// YAML. Missing values get defaults, then the result is validated.
//
// # Configuration File
//
// Locations (in order):
//
//  1. The --config flag
//  2. Path from FORUM_AUTH_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/forum-auth/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	redis:
//	  url: "${FORUM_REDIS_URL}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  user_ttl: "24h"
//	  admin_ttl: "1h"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8787"
//	  shutdown_timeout: "5s"
//
// Database:
//
//	database:
//	  path: "/var/lib/forum-auth/auth.db"  # identities and credentials
//
// Challenges and sessions:
//
//	redis:
//	  url: "redis://localhost:6379/0"  # empty keeps them in process memory
//	  key_prefix: "forum:"
//
// Relying party:
//
//	webauthn:
//	  rp_id: "forum.example.com"
//	  rp_display_name: "Forum"
//	  rp_origins: ["https://forum.example.com"]
//	  base_url: "https://forum.example.com"  # used when rp_id/rp_origins are empty
//
// Security events:
//
//	events:
//	  enabled: true                 # requires redis.url
//	  topic: "forum.auth.security"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load(config.ResolvePath(flagValue))
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
