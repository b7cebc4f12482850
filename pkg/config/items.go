package config

import (
	"fmt"
	"strconv"
)

// ItemType describes the value type of a configuration leaf.
type ItemType int

const (
	TypeBool ItemType = iota
	TypeInt
	TypeUint
	TypeString
	TypeEnum
)

// Item flags.
const (
	// FlagRestartResolver marks keys whose changes require restarting the
	// embedded resolver before they take effect.
	FlagRestartResolver = 1 << iota
	// FlagSensitive marks keys whose values must be redacted in API output.
	FlagSensitive
)

// Item is one typed configuration leaf. The registry gives API consumers a
// uniform view over the nested Config struct: every leaf can be enumerated,
// read and written by its dotted key.
type Item struct {
	Key     string
	Help    string
	Type    ItemType
	Allowed []string // for TypeEnum
	Flags   int

	get func(*Config) any
	set func(*Config, string) error
}

// Get returns the current value of the item in cfg.
func (it *Item) Get(cfg *Config) any {
	return it.get(cfg)
}

// Set parses raw and stores it into cfg. Enum values are checked against
// Allowed.
func (it *Item) Set(cfg *Config, raw string) error {
	if it.Type == TypeEnum {
		ok := false
		for _, a := range it.Allowed {
			if a == raw {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("value %q not allowed for %s (allowed: %v)", raw, it.Key, it.Allowed)
		}
	}
	return it.set(cfg, raw)
}

func setUint(dst *uint) func(*Config, string) error {
	return func(_ *Config, raw string) error {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return err
		}
		*dst = uint(v)
		return nil
	}
}

// Items returns the flat registry of configuration leaves for cfg. The
// closures capture cfg so each item reads and writes the live struct.
func Items(cfg *Config) []Item {
	return []Item{
		{
			Key:  "history.max_history",
			Help: "Seconds of query history kept in memory",
			Type: TypeUint,
			get:  func(c *Config) any { return c.History.MaxHistory },
			set: func(c *Config, raw string) error {
				return setUint(&c.History.MaxHistory)(c, raw)
			},
		},
		{
			Key:   "history.gc_interval",
			Help:  "Garbage collector cadence in seconds",
			Type:  TypeUint,
			Flags: 0,
			get:   func(c *Config) any { return c.History.GCInterval },
			set: func(c *Config, raw string) error {
				return setUint(&c.History.GCInterval)(c, raw)
			},
		},
		{
			Key:   "rate_limit.count",
			Help:  "Queries allowed per client per interval (0 disables)",
			Type:  TypeUint,
			Flags: FlagRestartResolver,
			get:   func(c *Config) any { return c.RateLimit.Count },
			set: func(c *Config, raw string) error {
				return setUint(&c.RateLimit.Count)(c, raw)
			},
		},
		{
			Key:   "rate_limit.interval",
			Help:  "Rate limit window length in seconds",
			Type:  TypeUint,
			Flags: FlagRestartResolver,
			get:   func(c *Config) any { return c.RateLimit.Interval },
			set: func(c *Config, raw string) error {
				return setUint(&c.RateLimit.Interval)(c, raw)
			},
		},
		{
			Key:     "rate_limit.reply_when_busy",
			Help:    "Reply sent to rate-limited clients and on DB busy",
			Type:    TypeEnum,
			Allowed: []string{"REFUSE", "NODATA", "NXDOMAIN", "DROP"},
			get:     func(c *Config) any { return c.RateLimit.ReplyWhenBusy },
			set: func(c *Config, raw string) error {
				c.RateLimit.ReplyWhenBusy = raw
				return nil
			},
		},
		{
			Key:   "api.password_hash",
			Help:  "bcrypt hash of the admin password (empty disables auth)",
			Type:  TypeString,
			Flags: FlagSensitive,
			get:   func(c *Config) any { return c.API.PasswordHash },
			set: func(c *Config, raw string) error {
				c.API.PasswordHash = raw
				return nil
			},
		},
		{
			Key:   "api.totp_secret",
			Help:  "TOTP secret enabling two-factor authentication",
			Type:  TypeString,
			Flags: FlagSensitive,
			get:   func(c *Config) any { return c.API.TOTPSecret },
			set: func(c *Config, raw string) error {
				c.API.TOTPSecret = raw
				return nil
			},
		},
		{
			Key:  "api.session_timeout",
			Help: "Session validity in seconds (sliding)",
			Type: TypeUint,
			get:  func(c *Config) any { return c.API.SessionTimeout },
			set: func(c *Config, raw string) error {
				return setUint(&c.API.SessionTimeout)(c, raw)
			},
		},
		{
			Key:  "api.local_api_auth",
			Help: "Require authentication from loopback sources",
			Type: TypeBool,
			get:  func(c *Config) any { return c.API.LocalAPIAuth },
			set: func(c *Config, raw string) error {
				v, err := strconv.ParseBool(raw)
				if err != nil {
					return err
				}
				c.API.LocalAPIAuth = v
				return nil
			},
		},
		{
			Key:     "api.privacy_level",
			Help:    "Progressively suppress API detail (0-3)",
			Type:    TypeEnum,
			Allowed: []string{"0", "1", "2", "3"},
			get:     func(c *Config) any { return c.API.PrivacyLevel },
			set: func(c *Config, raw string) error {
				v, err := strconv.Atoi(raw)
				if err != nil {
					return err
				}
				c.API.PrivacyLevel = v
				return nil
			},
		},
		{
			Key:  "database.max_db_days",
			Help: "On-disk query retention in days",
			Type: TypeUint,
			get:  func(c *Config) any { return c.Database.MaxDBDays },
			set: func(c *Config, raw string) error {
				return setUint(&c.Database.MaxDBDays)(c, raw)
			},
		},
		{
			Key:  "database.flush_interval",
			Help: "Seconds between flushes of dirty queries to the mirror",
			Type: TypeUint,
			get:  func(c *Config) any { return c.Database.FlushInterval },
			set: func(c *Config, raw string) error {
				return setUint(&c.Database.FlushInterval)(c, raw)
			},
		},
		{
			Key:  "checks.load",
			Help: "Warn when the 15 minute load average exceeds the core count",
			Type: TypeBool,
			get:  func(c *Config) any { return c.Checks.Load },
			set: func(c *Config, raw string) error {
				v, err := strconv.ParseBool(raw)
				if err != nil {
					return err
				}
				c.Checks.Load = v
				return nil
			},
		},
		{
			Key:  "checks.disk",
			Help: "Disk usage percentage above which a shortage is logged",
			Type: TypeUint,
			get:  func(c *Config) any { return c.Checks.Disk },
			set: func(c *Config, raw string) error {
				return setUint(&c.Checks.Disk)(c, raw)
			},
		},
	}
}

// FindItem looks up a registry item by its dotted key.
func FindItem(items []Item, key string) *Item {
	for i := range items {
		if items[i].Key == key {
			return &items[i]
		}
	}
	return nil
}
