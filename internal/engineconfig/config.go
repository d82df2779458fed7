// Package engineconfig loads the buffering core's tunables from defaults,
// an optional JSON config file, the command line, and environment
// variables, in that precedence order, using koanf's layered provider
// model.
package engineconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/spf13/pflag"

	"dashbuffer/internal/logger"
)

// EngineConfig is every recognised buffering-engine tunable, plus the
// ambient logging/debug-server options.
type EngineConfig struct {
	LogFormat string `json:"logformat"`
	LogLevel  string `json:"loglevel"`

	// WantedBufferAheadS is the target look-ahead, in seconds.
	WantedBufferAheadS float64 `json:"wantedbufferaheads"`
	// MaxBufferAheadS/MaxBufferBehindS are the GC bounds, in seconds.
	// math.Inf(1) (serialised as a very large number) means unbounded.
	MaxBufferAheadS  float64 `json:"maxbufferaheads"`
	MaxBufferBehindS float64 `json:"maxbufferbehinds"`

	// ManualBitrateSwitchingMode is "seamless" or "direct".
	ManualBitrateSwitchingMode string `json:"manualbitrateswitchingmode"`

	// SourceBufferFlushingIntervalMS is the SBQ watchdog period.
	SourceBufferFlushingIntervalMS int `json:"sourcebufferflushingintervalms"`

	// AppendWindowSecurityStartS/EndS widen a parser-reported append
	// window by epsilon to avoid zero-width window artifacts.
	AppendWindowSecurityStartS float64 `json:"appendwindowsecuritystarts"`
	AppendWindowSecurityEndS   float64 `json:"appendwindowsecurityends"`

	// Loader backoff.
	InitialBackoffDelayMS int `json:"initialbackoffdelayms"`
	MaximumBackoffDelayMS int `json:"maximumbackoffdelayms"`
	MaxRetry              int `json:"maxretry"`
	MaxRetryOffline       int `json:"maxretryoffline"`

	// DebugPort serves /healthz, /metrics, /debug/state.
	DebugPort int `json:"debugport"`
}

const unboundedSeconds = 1e18

// Defaults mirrors the source's historical constants (wantedBufferAhead ~
// 30s, a 0.1s append-window security margin at each end) adapted to this
// core's option names.
var Defaults = EngineConfig{
	LogFormat: "text",
	LogLevel:  "INFO",

	WantedBufferAheadS: 30,
	MaxBufferAheadS:    unboundedSeconds,
	MaxBufferBehindS:   unboundedSeconds,

	ManualBitrateSwitchingMode: "seamless",

	SourceBufferFlushingIntervalMS: 500,

	AppendWindowSecurityStartS: 0.1,
	AppendWindowSecurityEndS:   0.1,

	InitialBackoffDelayMS: 200,
	MaximumBackoffDelayMS: 8000,
	MaxRetry:              4,
	MaxRetryOffline:       Infinity,

	DebugPort: 9090,
}

// Infinity marks a retry cap as unbounded (used for MaxRetryOffline, since
// a client offline for a while should keep trying once connectivity is
// likely restored).
const Infinity = -1

// Load builds an EngineConfig from defaults, then (if present) a "-cfg"
// JSON file, then command line flags, then DASHBUF_-prefixed environment
// variables, each layer overriding the last.
func Load(args []string) (*EngineConfig, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults, "json"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	f := pflag.NewFlagSet("dashbuffer", pflag.ContinueOnError)
	f.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", programName(args))
		f.PrintDefaults()
	}

	cfgFile := f.String("cfg", "", "path to a JSON config file")
	f.String("logformat", k.String("logformat"), fmt.Sprintf("log format [%s]", strings.Join(logger.Formats, ", ")))
	f.String("loglevel", k.String("loglevel"), fmt.Sprintf("log level [%s]", strings.Join(logger.Levels, ", ")))
	f.Float64("wantedbufferaheads", k.Float64("wantedbufferaheads"), "target look-ahead, in seconds")
	f.Float64("maxbufferaheads", k.Float64("maxbufferaheads"), "garbage collector forward retention bound, in seconds")
	f.Float64("maxbufferbehinds", k.Float64("maxbufferbehinds"), "garbage collector backward retention bound, in seconds")
	f.String("manualbitrateswitchingmode", k.String("manualbitrateswitchingmode"), `ABR transition policy: "seamless" or "direct"`)
	f.Int("sourcebufferflushingintervalms", k.Int("sourcebufferflushingintervalms"), "SBQ watchdog period, in milliseconds")
	f.Float64("appendwindowsecuritystarts", k.Float64("appendwindowsecuritystarts"), "append window start security margin, in seconds")
	f.Float64("appendwindowsecurityends", k.Float64("appendwindowsecurityends"), "append window end security margin, in seconds")
	f.Int("initialbackoffdelayms", k.Int("initialbackoffdelayms"), "initial loader retry backoff, in milliseconds")
	f.Int("maximumbackoffdelayms", k.Int("maximumbackoffdelayms"), "maximum loader retry backoff, in milliseconds")
	f.Int("maxretry", k.Int("maxretry"), "max loader retries while online")
	f.Int("maxretryoffline", k.Int("maxretryoffline"), "max loader retries while offline (-1 = unbounded)")
	f.Int("debugport", k.Int("debugport"), "HTTP port for the debug/metrics introspection server")

	if len(args) > 1 {
		if err := f.Parse(args[1:]); err != nil {
			return nil, fmt.Errorf("parse command line: %w", err)
		}
	}

	if *cfgFile != "" {
		if err := k.Load(file.Provider(*cfgFile), json.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %q: %w", *cfgFile, err)
		}
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("parse command line: %w", err)
	}

	if err := k.Load(env.Provider("DASHBUF_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "DASHBUF_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg EngineConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func programName(args []string) string {
	if len(args) == 0 {
		return "dashbuffer"
	}
	parts := strings.Split(args[0], "/")
	return parts[len(parts)-1]
}
