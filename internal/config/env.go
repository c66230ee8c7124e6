package config

import (
	"fmt"
	"net/url"
)

// ResolveDSN picks the postgres connection string: the configured one, then
// DATABASE_URL, then one assembled from POSTGRES_USER, POSTGRES_PASSWORD,
// POSTGRES_HOST, POSTGRES_PORT and POSTGRES_DB.
func ResolveDSN(configured string, getenv func(string) string) string {
	if configured != "" {
		return configured
	}
	if dsn := getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	or := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(or("POSTGRES_USER", "postgres"), or("POSTGRES_PASSWORD", "postgres")),
		Host:     fmt.Sprintf("%s:%s", or("POSTGRES_HOST", "localhost"), or("POSTGRES_PORT", "5432")),
		Path:     "/" + or("POSTGRES_DB", "harvest"),
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
