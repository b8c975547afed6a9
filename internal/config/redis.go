package config

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	redis "github.com/redis/go-redis/v9"
)

// ClientOptions builds go-redis options. URL wins over host/port; TLS is enabled by a rediss://
// URL or the TLS flag.
func (r RedisConfig) ClientOptions() (*redis.Options, error) {
	var opt *redis.Options
	if r.URL != "" {
		o, err := redis.ParseURL(r.URL)
		if err != nil {
			return nil, fmt.Errorf("redis.url: %w", err)
		}
		opt = o
	} else {
		opt = &redis.Options{
			Addr:     net.JoinHostPort(r.Host, strconv.Itoa(r.Port)),
			Password: r.Password,
			DB:       r.DB,
		}
	}
	if r.TLS && opt.TLSConfig == nil {
		opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if opt.TLSConfig != nil {
		if r.TLSInsecureSkipVerify {
			opt.TLSConfig.InsecureSkipVerify = true //nolint:gosec // opt-in for self-signed dev clusters
		}
		if opt.TLSConfig.ServerName == "" {
			host, _, _ := net.SplitHostPort(opt.Addr)
			opt.TLSConfig.ServerName = host
		}
	}
	return opt, nil
}
