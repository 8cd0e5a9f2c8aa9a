// Package mysqlurl builds go-sql-driver configurations for MySQL sources.
package mysqlurl

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	mysqldriver "github.com/go-sql-driver/mysql"
)

// NewConfig returns a driver config for the given server. options are the
// free-form driver parameters of the source, e.g. `tls` or `readTimeout`;
// unknown keys are passed on as session variables.
func NewConfig(
	netName, addr, user, password, database string, options map[string]string,
) (*mysqldriver.Config, error) {
	cfg := mysqldriver.NewConfig()
	cfg.Net = netName
	cfg.Addr = addr
	cfg.User = user
	cfg.Passwd = password
	cfg.DBName = database
	if err := parseParams(cfg, options); err != nil {
		return nil, errors.Wrapf(err, "error parsing options for %s", addr)
	}
	return cfg, nil
}

// parseParams applies driver parameters in sorted key order so that errors
// are deterministic.
func parseParams(cfg *mysqldriver.Config, params map[string]string) (err error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := params[k]
		switch k {
		// Use cleartext authentication mode (MySQL 5.5.10+)
		case "allowCleartextPasswords":
			if cfg.AllowCleartextPasswords, err = parseBool(v); err != nil {
				return err
			}

		// Allow fallback to unencrypted connection if server does not support TLS
		case "allowFallbackToPlaintext":
			if cfg.AllowFallbackToPlaintext, err = parseBool(v); err != nil {
				return err
			}

		case "allowNativePasswords":
			if cfg.AllowNativePasswords, err = parseBool(v); err != nil {
				return err
			}

		case "allowOldPasswords":
			if cfg.AllowOldPasswords, err = parseBool(v); err != nil {
				return err
			}

		case "collation":
			cfg.Collation = v

		case "loc":
			if cfg.Loc, err = time.LoadLocation(v); err != nil {
				return err
			}

		case "readTimeout":
			if cfg.ReadTimeout, err = time.ParseDuration(v); err != nil {
				return err
			}

		case "serverPubKey":
			cfg.ServerPubKey = v

		// Dial Timeout
		case "timeout":
			if cfg.Timeout, err = time.ParseDuration(v); err != nil {
				return err
			}

		// TLS-Encryption
		case "tls":
			if b, isBool := readBool(v); isBool {
				cfg.TLSConfig = strconv.FormatBool(b)
			} else if vl := strings.ToLower(v); vl == "skip-verify" || vl == "preferred" {
				cfg.TLSConfig = vl
			} else {
				cfg.TLSConfig = v
			}

		case "writeTimeout":
			if cfg.WriteTimeout, err = time.ParseDuration(v); err != nil {
				return err
			}

		case "maxAllowedPacket":
			if cfg.MaxAllowedPacket, err = strconv.Atoi(v); err != nil {
				return err
			}

		// Metadata is only ever read.
		case "multiStatements", "allowAllFiles", "interpolateParams":
			return errors.Newf("option %s is not supported", k)

		default:
			// lazy init
			if cfg.Params == nil {
				cfg.Params = make(map[string]string)
			}
			cfg.Params[k] = v
		}
	}
	return nil
}

func parseBool(v string) (bool, error) {
	b, ok := readBool(v)
	if !ok {
		return false, errors.New("invalid bool value: " + v)
	}
	return b, nil
}

// Returns the bool value of the input.
// The 2nd return value indicates if the input was a valid bool value
func readBool(input string) (value bool, valid bool) {
	switch input {
	case "1", "true", "TRUE", "True":
		return true, true
	case "0", "false", "FALSE", "False":
		return false, true
	}

	// Not a valid bool value
	return
}
