package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr        string
	DBDSN           string
	JWTIssuer       string
	JWTSecret       string
	JWTTTL          time.Duration
	InternalToken   string
	WebSocketOrigin string
	LogLevel        string
	LogFile         string
	SyncPeers       []string

	FeePct          float64
	BaseSlippagePct float64
	MinOrderValue   float64
	DepthMultiplier float64
	ImpactFactor    float64
	MaxSlippagePct  *float64
}

func Load() (Config, error) {
	// Local overrides; absence is not an error.
	_ = godotenv.Load()

	var c Config
	var missing []string
	c.HTTPAddr = os.Getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		missing = append(missing, "HTTP_ADDR")
	}
	c.DBDSN = os.Getenv("DB_DSN")
	if c.DBDSN == "" {
		missing = append(missing, "DB_DSN")
	}
	c.JWTIssuer = os.Getenv("JWT_ISSUER")
	if c.JWTIssuer == "" {
		missing = append(missing, "JWT_ISSUER")
	}
	c.JWTSecret = os.Getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	jwtTTL := os.Getenv("JWT_TTL")
	if jwtTTL == "" {
		missing = append(missing, "JWT_TTL")
	} else {
		d, err := time.ParseDuration(jwtTTL)
		if err != nil {
			return c, err
		}
		c.JWTTTL = d
	}
	c.InternalToken = os.Getenv("INTERNAL_API_TOKEN")
	if c.InternalToken == "" {
		missing = append(missing, "INTERNAL_API_TOKEN")
	}
	c.WebSocketOrigin = os.Getenv("WS_ORIGIN")
	if c.WebSocketOrigin == "" {
		missing = append(missing, "WS_ORIGIN")
	}
	c.LogLevel = os.Getenv("LOG_LEVEL")
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LogFile = os.Getenv("LOG_FILE")
	peers := strings.TrimSpace(os.Getenv("SYNC_PEERS"))
	if peers != "" {
		for _, p := range strings.Split(peers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.SyncPeers = append(c.SyncPeers, p)
			}
		}
	}

	var err error
	if c.FeePct, err = envFloat("FEE_PCT", 0.001); err != nil {
		return c, err
	}
	if c.BaseSlippagePct, err = envFloat("BASE_SLIPPAGE_PCT", 0.0001); err != nil {
		return c, err
	}
	if c.MinOrderValue, err = envFloat("MIN_ORDER_VALUE", 1.0); err != nil {
		return c, err
	}
	if c.DepthMultiplier, err = envFloat("DEPTH_MULTIPLIER", 1.0); err != nil {
		return c, err
	}
	if c.ImpactFactor, err = envFloat("IMPACT_FACTOR", 0.1); err != nil {
		return c, err
	}
	if raw := os.Getenv("MAX_SLIPPAGE_PCT"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return c, errors.New("invalid MAX_SLIPPAGE_PCT")
		}
		c.MaxSlippagePct = &v
	}

	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}
	return c, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return v, nil
}
