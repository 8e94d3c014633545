package env

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Prefix namespaces every variable the engine reads.
const Prefix = "OMICSFLOW_"

func lookup(key string) (string, bool) {
	return os.LookupEnv(Prefix + key)
}

func String(key string, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	if v, ok := lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s%s: %w", Prefix, key, err)
		}
		return d, nil
	}
	return def, nil
}

func Bool(key string, def bool) (bool, error) {
	if v, ok := lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("parse %s%s: %w", Prefix, key, err)
		}
		return b, nil
	}
	return def, nil
}

func Int(key string, def int) (int, error) {
	if v, ok := lookup(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s%s: %w", Prefix, key, err)
		}
		return i, nil
	}
	return def, nil
}

func Float(key string, def float64) (float64, error) {
	if v, ok := lookup(key); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s%s: %w", Prefix, key, err)
		}
		return f, nil
	}
	return def, nil
}

// Bytes reads a size such as "4MiB" or "512 kB".
func Bytes(key string, def int64) (int64, error) {
	if v, ok := lookup(key); ok {
		n, err := ParseBytes(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s%s: %w", Prefix, key, err)
		}
		return n, nil
	}
	return def, nil
}

// ParseBytes parses a humanized size that must fit in an int64.
func ParseBytes(value string) (int64, error) {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q is too large", value)
	}
	return int64(n), nil
}

// CSV reads a comma-separated list, dropping empty items.
func CSV(key string, def []string) []string {
	v, ok := lookup(key)
	if !ok {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
