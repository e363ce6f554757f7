package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ifnotnil/daemonize/internal/config"
)

type flagValues struct {
	config     string
	chroot     string
	workdir    string
	umask      string
	user       string
	group      string
	detach     string
	pidfile    string
	breakStale bool
	stdin      string
	stdout     string
	stderr     string
	preserve   []int
	grace      time.Duration
	maxSignals int
	allowCore  bool
	logFormat  string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	var flags flagValues

	rootCmd := &cobra.Command{
		Use:   "daemonize [flags] -- program [args...]",
		Short: "Run a program as a well-behaved Unix daemon",
		Long: `daemonize detaches from the terminal, closes inherited descriptors,
redirects the standard streams, takes the PID lock and then supervises the
program. A terminate signal is forwarded to the program; the PID lock is
released once it exits.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.config)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd.Flags(), cfg); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, args)
		},
	}
	rootCmd.Flags().SetInterspersed(false)

	flags.register(rootCmd.Flags())

	return rootCmd
}

func (v *flagValues) register(f *pflag.FlagSet) {
	f.StringVarP(&v.config, "config", "c", "", "Configuration file path")
	f.StringVar(&v.chroot, "chroot", "", "Change the root directory")
	f.StringVarP(&v.workdir, "workdir", "w", "", "Working directory of the daemon")
	f.StringVar(&v.umask, "umask", "", "File creation mask, in octal")
	f.StringVarP(&v.user, "user", "u", "", "Drop privileges to this user")
	f.StringVarP(&v.group, "group", "g", "", "Drop privileges to this group")
	f.StringVar(&v.detach, "detach", "", "Detach mode: auto, always or never")
	f.StringVarP(&v.pidfile, "pidfile", "p", "", "PID lock file path")
	f.BoolVar(&v.breakStale, "break-stale", false, "Remove a PID file left by a dead process")
	f.StringVar(&v.stdin, "stdin", "", "Standard input file (default /dev/null)")
	f.StringVar(&v.stdout, "stdout", "", "Standard output file (default /dev/null)")
	f.StringVar(&v.stderr, "stderr", "", "Standard error file (default /dev/null)")
	f.IntSliceVar(&v.preserve, "preserve", nil, "Descriptors to keep open")
	f.DurationVar(&v.grace, "grace", 0, "Time the program gets to exit after a terminate signal")
	f.IntVar(&v.maxSignals, "max-signals", 0, "Terminate signals after which the daemon exits immediately")
	f.BoolVar(&v.allowCore, "allow-core", false, "Keep core dumps enabled")
	f.StringVar(&v.logFormat, "log-format", "", "Log format: auto, text or json")
	f.StringVar(&v.logLevel, "log-level", "", "Log level")
}

// apply overrides cfg with every flag given on the command line, then
// normalizes and validates the result.
func (v *flagValues) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}

	set("chroot", func() { cfg.ChrootDirectory = v.chroot })
	set("workdir", func() { cfg.WorkingDirectory = v.workdir })
	set("user", func() { cfg.User, cfg.UID = v.user, nil })
	set("group", func() { cfg.Group, cfg.GID = v.group, nil })
	set("detach", func() { cfg.Detach = v.detach })
	set("pidfile", func() { cfg.PIDFile.Path = v.pidfile })
	set("break-stale", func() { cfg.PIDFile.BreakStale = v.breakStale })
	set("stdin", func() { cfg.Stdin = v.stdin })
	set("stdout", func() { cfg.Stdout = v.stdout })
	set("stderr", func() { cfg.Stderr = v.stderr })
	set("preserve", func() { cfg.FilesPreserve = v.preserve })
	set("grace", func() { cfg.Shutdown.Grace = v.grace.String() })
	set("max-signals", func() { cfg.Shutdown.MaxSignalCount = v.maxSignals })
	set("allow-core", func() { cfg.PreventCore = !v.allowCore })
	set("log-format", func() { cfg.Logging.Format = v.logFormat })
	set("log-level", func() { cfg.Logging.Level = v.logLevel })

	if fs.Changed("umask") {
		mask, err := strconv.ParseUint(v.umask, 8, 32)
		if err != nil {
			return fmt.Errorf("--umask %q is not an octal mask", v.umask)
		}
		cfg.Umask = int(mask)
	}

	if err := cfg.Normalize(); err != nil {
		return err
	}
	return cfg.Validate()
}
