package logging

import (
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/yoredale/mqtt-wunderground-publish/internal/config"
)

func New(cfg config.Config, version string, appName string) *slog.Logger {
	return newWithWriter(os.Stdout, cfg, version, appName)
}

// newWithWriter builds the handler for w. The station key and broker
// password never reach w, whichever attribute carries them.
func newWithWriter(w io.Writer, cfg config.Config, version string, appName string) *slog.Logger {
	replace := redactor(cfg.StationKey, cfg.MQTTPassword)

	if version == "dev" {
		h := tint.NewHandler(w, &tint.Options{
			Level:       cfg.LogLevel,
			AddSource:   true,
			TimeFormat:  time.Kitchen,
			ReplaceAttr: replace,
		})
		return slog.New(h).With("app", appName, "station", cfg.StationID)
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       cfg.LogLevel,
		ReplaceAttr: replace,
	})
	return slog.New(h).With(
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
		"station", cfg.StationID,
	)
}

// redactor masks secrets, raw or query-escaped, in string and error
// attribute values. It returns nil when there is nothing to hide.
func redactor(secrets ...string) func([]string, slog.Attr) slog.Attr {
	var forms []string
	for _, s := range secrets {
		if s == "" {
			continue
		}
		forms = append(forms, s)
		if esc := url.QueryEscape(s); esc != s {
			forms = append(forms, esc)
		}
	}
	if len(forms) == 0 {
		return nil
	}

	scrub := func(v string) (string, bool) {
		out := v
		for _, f := range forms {
			out = strings.ReplaceAll(out, f, "REDACTED")
		}
		return out, out != v
	}

	return func(_ []string, a slog.Attr) slog.Attr {
		switch a.Value.Kind() {
		case slog.KindString:
			if v, changed := scrub(a.Value.String()); changed {
				a.Value = slog.StringValue(v)
			}
		case slog.KindAny:
			if err, ok := a.Value.Any().(error); ok {
				if v, changed := scrub(err.Error()); changed {
					a.Value = slog.StringValue(v)
				}
			}
		}
		return a
	}
}
