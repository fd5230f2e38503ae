// Package config parses and validates the command-line configuration for the
// procdump agent: which process(es) to target, which resource thresholds (or
// signal) should trigger a dump, and where dumps are written.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/procdump/internal/procfs"
)

// SelectorKind identifies which of the four mutually exclusive ways a target
// process (or set of processes) was specified.
type SelectorKind int

const (
	// SelectorPid selects a single process by numeric pid.
	SelectorPid SelectorKind = iota
	// SelectorName selects a single process by name; the Fleet Coordinator
	// resolves it at startup to the first live match (procfs FindByName).
	SelectorName
	// SelectorNameWait selects processes by name and keeps running,
	// attaching to every future launch that matches.
	SelectorNameWait
	// SelectorPgid selects every process whose process-group id matches.
	SelectorPgid
)

// Selector identifies the target(s) to monitor.
type Selector struct {
	Kind SelectorKind
	Pid  int    // valid iff Kind == SelectorPid
	Name string // valid iff Kind == SelectorName || SelectorNameWait
	Pgid int    // valid iff Kind == SelectorPgid
}

// Direction is the comparison direction for a threshold trigger.
type Direction int

const (
	// Above fires when the sampled metric is greater than or equal to the
	// threshold. This is the default direction for every threshold trigger.
	Above Direction = iota
	// Below fires when the sampled metric is less than or equal to the
	// threshold.
	Below
)

// Threshold pairs a numeric limit with the direction it is compared in.
type Threshold struct {
	Value     float64
	Direction Direction
}

// Config is the fully validated, immutable configuration for one monitoring
// run. It is produced by Parse and never mutated afterward; the Fleet
// Coordinator gives each target its own copy (see CloneForPid).
type Config struct {
	Selector Selector

	// DumpsToCollect is the budget of dumps to collect per target ("-n").
	DumpsToCollect int
	// Spacing is the minimum wall-clock time between two dumps produced by
	// the same observer ("-s").
	Spacing time.Duration
	// PollInterval is the sampling interval used by every observer except
	// the signal trigger ("-pf").
	PollInterval time.Duration

	CPUThreshold     *Threshold // percent, 0..100*NumCPU ("-c"/"-cl")
	MemoryThresholdMB *Threshold // MiB, rss+swap ("-m"/"-ml")
	ThreadThreshold  *int       // ("-tc")
	FDThreshold      *int       // ("-fc")
	Signal           *int       // ("-sig"); mutually exclusive with all of the above

	// Overwrite allows a dump to replace an existing file at the same path.
	Overwrite bool

	// DumpDir is the directory dumps are written to. Defaults to the
	// current working directory.
	DumpDir string
	// DumpBaseName is an optional custom dump file prefix. Forbidden when
	// Selector.Kind is SelectorPgid or SelectorNameWait (§3).
	DumpBaseName string

	// DiagnosticsLog enables the tamper-evident diagnostics log ("-log").
	DiagnosticsLog bool
}

// TimerOnly reports whether no threshold, fd, or signal trigger was
// configured, in which case a timer trigger is implicitly enabled (§3).
func (c *Config) TimerOnly() bool {
	return c.CPUThreshold == nil && c.MemoryThresholdMB == nil &&
		c.ThreadThreshold == nil && c.FDThreshold == nil && c.Signal == nil
}

// CloneForPid returns a shallow copy of c specialized to a single resolved
// pid, used by the Fleet Coordinator when it attaches a new target under a
// pgid or name-wait selector (§4.4 step 3: "create Supervisor with a
// freshly cloned configuration specialized to this pid"). Threshold and
// policy fields are shared as-is; only the selector changes.
func (c *Config) CloneForPid(pid int) *Config {
	clone := *c
	clone.Selector = Selector{Kind: SelectorPid, Pid: pid}
	return &clone
}

// profile is the shape of an optional "-profile" YAML defaults file. Any
// field present here is applied as a flag default before command-line flags
// are parsed, so an explicit flag on the command line always wins.
type profile struct {
	DumpsToCollect *int    `yaml:"n"`
	SpacingSeconds *int    `yaml:"s"`
	PollMillis     *int    `yaml:"pf"`
	Overwrite      *bool   `yaml:"overwrite"`
	DumpDir        *string `yaml:"dump_dir"`
	DiagnosticsLog *bool   `yaml:"log"`
}

// loadProfile reads and decodes a profile YAML file. A missing file is not
// an error only when path is empty; an explicitly requested but unreadable
// file is always an error.
func loadProfile(path string) (profile, error) {
	var p profile
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("config: cannot read profile %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("config: cannot parse profile %q: %w", path, err)
	}
	return p, nil
}

// ConfigError wraps a configuration validation failure. The Fleet Coordinator
// treats it as fatal and never absorbs it the way it does per-observer
// errors (§7).
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "config: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// Parse parses args (excluding the program name, i.e. os.Args[1:]) into a
// validated Config. usageOut receives the usage text on a "-h"/"/h" request
// or on a parse error.
func Parse(args []string, usageOut io.Writer) (*Config, error) {
	// Pre-scan for "-profile" so its values can seed flag defaults; flag
	// parsing itself happens once, below, against the real FlagSet.
	profilePath := prescanProfile(args)
	prof, err := loadProfile(profilePath)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	fs := flag.NewFlagSet("procdump", flag.ContinueOnError)
	fs.SetOutput(usageOut)

	var (
		pidFlag      = fs.Int("p", 0, "process id to monitor")
		nameFlag     = fs.String("w", "", "process name to monitor")
		waitFlag     = fs.Bool("wait", false, "with -w, keep waiting for future launches of the named process")
		pgidFlag     = fs.Int("pgid", 0, "process-group id to monitor")
		cpuAbove     = fs.Float64("c", 0, "trigger when cpu% >= threshold")
		cpuBelow     = fs.Float64("cl", 0, "trigger when cpu% <= threshold")
		memAbove     = fs.Float64("m", 0, "trigger when resident+swap MiB >= threshold")
		memBelow     = fs.Float64("ml", 0, "trigger when resident+swap MiB <= threshold")
		threadsFlag  = fs.Int("tc", 0, "trigger when thread count >= threshold")
		fdFlag       = fs.Int("fc", 0, "trigger when fd count >= threshold")
		sigFlag      = fs.Int("sig", 0, "monitor for delivery of this signal instead of polling thresholds")
		nFlag        = fs.Int("n", 1, "number of dumps to collect")
		sFlag        = fs.Int("s", 10, "minimum seconds between dumps from one observer")
		pfFlag       = fs.Int("pf", dflIntOr(prof.PollMillis, 1000), "polling frequency in milliseconds")
		oFlag        = fs.Bool("o", dflBoolOr(prof.Overwrite, false), "overwrite an existing dump file")
		logFlag      = fs.Bool("log", dflBoolOr(prof.DiagnosticsLog, false), "enable the tamper-evident diagnostics log")
		profileFlag  = fs.String("profile", "", "YAML file of flag defaults, overridden by any flag given explicitly")
	)
	_ = profileFlag // consumed by prescanProfile; kept here only so -profile is recognized and documented

	if prof.DumpsToCollect != nil {
		*nFlag = *prof.DumpsToCollect
	}
	if prof.SpacingSeconds != nil {
		*sFlag = *prof.SpacingSeconds
	}

	if err := fs.Parse(args); err != nil {
		return nil, &ConfigError{Err: err}
	}

	cfg := &Config{
		DumpsToCollect: *nFlag,
		Spacing:        time.Duration(*sFlag) * time.Second,
		PollInterval:   time.Duration(*pfFlag) * time.Millisecond,
		Overwrite:      *oFlag,
		DumpDir:        dflStringOr(prof.DumpDir, "."),
		DiagnosticsLog: *logFlag,
	}

	if err := applySelector(cfg, *pidFlag, *nameFlag, *waitFlag, *pgidFlag, fs); err != nil {
		return nil, &ConfigError{Err: err}
	}

	rest := fs.Args()
	if len(rest) > 0 {
		if cfg.Selector.Kind == SelectorPgid || cfg.Selector.Kind == SelectorNameWait {
			return nil, &ConfigError{Err: errors.New("a custom dump base name is not allowed with -pgid or -w -wait")}
		}
		cfg.DumpBaseName = rest[0]
	}

	applyThresholds(cfg, *cpuAbove, *cpuBelow, *memAbove, *memBelow, *threadsFlag, *fdFlag, *sigFlag, fs)

	if err := validate(cfg, fs); err != nil {
		return nil, &ConfigError{Err: err}
	}

	return cfg, nil
}

// prescanProfile walks args looking for "-profile <path>" or "-profile=<path>"
// without invoking the real flag.FlagSet, so the profile can be loaded before
// flag defaults are constructed.
func prescanProfile(args []string) string {
	for i, a := range args {
		switch {
		case a == "-profile" || a == "--profile":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "-profile="):
			return strings.TrimPrefix(a, "-profile=")
		case strings.HasPrefix(a, "--profile="):
			return strings.TrimPrefix(a, "--profile=")
		}
	}
	return ""
}

func dflIntOr(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

func dflBoolOr(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}

func dflStringOr(p *string, def string) string {
	if p != nil {
		return *p
	}
	return def
}

// applySelector determines which single selector kind was requested and
// validates that exactly one was given.
func applySelector(cfg *Config, pid int, name string, wait bool, pgid int, fs *flag.FlagSet) error {
	var set int
	if isSet(fs, "p") {
		set++
	}
	if isSet(fs, "w") {
		set++
	}
	if isSet(fs, "pgid") {
		set++
	}
	if set == 0 {
		return errors.New("exactly one of -p, -w, or -pgid is required")
	}
	if set > 1 {
		return errors.New("only one of -p, -w, or -pgid may be given")
	}

	switch {
	case isSet(fs, "p"):
		cfg.Selector = Selector{Kind: SelectorPid, Pid: pid}
	case isSet(fs, "w"):
		kind := SelectorName
		if wait {
			kind = SelectorNameWait
		}
		cfg.Selector = Selector{Kind: kind, Name: name}
	case isSet(fs, "pgid"):
		cfg.Selector = Selector{Kind: SelectorPgid, Pgid: pgid}
	}
	return nil
}

// applyThresholds wires the explicitly-set threshold/signal flags into cfg.
// Direction defaults to Above; the "*-below" variant of each flag switches it
// to Below when given.
func applyThresholds(cfg *Config, cpuAbove, cpuBelow, memAbove, memBelow float64, threads, fd, sig int, fs *flag.FlagSet) {
	if isSet(fs, "c") {
		cfg.CPUThreshold = &Threshold{Value: cpuAbove, Direction: Above}
	} else if isSet(fs, "cl") {
		cfg.CPUThreshold = &Threshold{Value: cpuBelow, Direction: Below}
	}
	if isSet(fs, "m") {
		cfg.MemoryThresholdMB = &Threshold{Value: memAbove, Direction: Above}
	} else if isSet(fs, "ml") {
		cfg.MemoryThresholdMB = &Threshold{Value: memBelow, Direction: Below}
	}
	if isSet(fs, "tc") {
		v := threads
		cfg.ThreadThreshold = &v
	}
	if isSet(fs, "fc") {
		v := fd
		cfg.FDThreshold = &v
	}
	if isSet(fs, "sig") {
		v := sig
		cfg.Signal = &v
	}
}

// isSet reports whether flag name was explicitly given on the command line,
// as opposed to merely holding its zero/default value.
func isSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// validate enforces the signal/threshold exclusivity and the numeric range
// checks, joining every violation into a single error. Selector exclusivity
// and the dump-name rule from §3 are checked earlier, in Parse.
func validate(cfg *Config, fs *flag.FlagSet) error {
	var errs []error

	if cfg.Signal != nil {
		if cfg.CPUThreshold != nil || cfg.MemoryThresholdMB != nil ||
			cfg.ThreadThreshold != nil || cfg.FDThreshold != nil {
			errs = append(errs, errors.New("-sig is mutually exclusive with -c/-cl/-m/-ml/-tc/-fc"))
		}
		if isSet(fs, "pf") {
			errs = append(errs, errors.New("-sig is mutually exclusive with -pf"))
		}
	}

	if cfg.DumpsToCollect <= 0 {
		errs = append(errs, errors.New("-n must be positive"))
	}
	if cfg.Spacing < 0 {
		errs = append(errs, errors.New("-s must not be negative"))
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, errors.New("-pf must be positive"))
	}
	if cfg.CPUThreshold != nil && (cfg.CPUThreshold.Value < 0) {
		errs = append(errs, errors.New("cpu threshold must be >= 0"))
	} else if cfg.CPUThreshold != nil {
		if n, err := procfs.NumCPU(); err == nil {
			if max := float64(100 * n); cfg.CPUThreshold.Value > max {
				errs = append(errs, fmt.Errorf("-c/-cl must not exceed 100*NumCPU (%d cpus => max %.0f)", n, max))
			}
		}
	}
	if cfg.Selector.Kind == SelectorName && cfg.Selector.Name == "" {
		errs = append(errs, errors.New("-w requires a process name"))
	}

	return errors.Join(errs...)
}
