package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their config key rather than the Go name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks struct constraints, duration fields, the timezone and the
// ops listener policy. It never mutates cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return err
	}

	durations := []struct{ path, raw string }{
		{"scheduler.retry_base", cfg.Scheduler.RetryBase},
		{"scheduler.retry_max_delay", cfg.Scheduler.RetryMaxDelay},
		{"scheduler.drain_timeout", cfg.Scheduler.DrainTimeout},
		{"maintenance.prune_interval", cfg.Maintenance.PruneInterval},
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
	}
	if cfg.Storage != nil {
		durations = append(durations,
			struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout},
			struct{ path, raw string }{"storage.retention", cfg.Storage.Retention},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	if s := cfg.Storage; s != nil {
		driver := strings.ToLower(strings.TrimSpace(s.Driver))
		if (driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
	}

	if cfg.Ops.Enabled {
		if err := checkOpsListener(cfg.Ops); err != nil {
			return err
		}
	}
	return nil
}

func fieldError(fe validator.FieldError) error {
	// Namespace is "Config.scheduler.retry_jitter"; drop the root type.
	path := fe.Namespace()
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}
	switch fe.Tag() {
	case "oneof":
		return fmt.Errorf("%s: must be one of [%s], got %v", path, fe.Param(), fe.Value())
	case "required_if":
		return fmt.Errorf("%s: required when %s", path, fe.Param())
	case "gte", "lte":
		return fmt.Errorf("%s: must be %s %s, got %v", path, fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Errorf("%s: failed %q", path, fe.Tag())
	}
}

// DefaultOpsAddr is used when ops.addr is empty.
const DefaultOpsAddr = "127.0.0.1:9090"

func checkOpsListener(o OpsConfig) error {
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = DefaultOpsAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("ops.addr: invalid %q: %w", addr, err)
	}
	if strings.TrimSpace(o.Token) != "" || o.AllowInsecure || isLoopbackHost(host) {
		return nil
	}
	return fmt.Errorf("ops.addr %q is not loopback; set ops.token or ops.allow_insecure", addr)
}

func isLoopbackHost(host string) bool {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
