package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"caldash/internal/booking"
	"caldash/internal/caldav"
	"caldash/internal/config"
	appLog "caldash/internal/log"
	"caldash/internal/probe"
	"caldash/internal/web"
)

const version = "0.1.0"

// rootFlags holds CLI flag values shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:           "caldash",
		Short:         "CalDAV dashboard and free-time slot booking",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config file (created with defaults if missing)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	root.AddCommand(newServeCmd(&flags), newSlotsCmd(&flags))
	return root
}

// app is everything a subcommand needs, built once from config.
type app struct {
	cfg    *config.Config
	client *caldav.Client // nil when configuration is missing
	svc    *booking.Service
}

func setup(flags *rootFlags) (*app, error) {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return nil, err
	}
	conf.ApplyEnv(os.Getenv)
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	loc, err := conf.Location()
	if err != nil {
		appLog.Warn("unknown timezone; using UTC", "timezone", conf.Timezone, "err", err)
	}

	a := &app{cfg: conf}
	configErr := conf.CalDAVError()
	if configErr == nil {
		a.client, err = caldav.NewClient(conf.CalDAV, loc)
		if err != nil {
			return nil, err
		}
	} else {
		// The server still starts so the dashboard can explain what is missing.
		appLog.Warn("CalDAV configuration missing", "err", configErr)
	}

	opts := booking.Options{
		ConfigErr:         configErr,
		DefaultLocation:   conf.Booking.DefaultLocation,
		ConditionalWrites: conf.Booking.ConditionalWrites,
		Timeout:           conf.CalDAV.Timeout(),
		HorizonDays:       conf.HorizonDays,
		BackfillDays:      conf.BackfillDays,
	}
	if a.client != nil {
		opts.Store = a.client
	}
	a.svc = booking.NewService(opts)

	calURL := "missing"
	if a.client != nil {
		calURL = a.client.URL()
	}
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"log_level", conf.LogLevel,
		"static_dir", conf.StaticDir,
		"caldav_url", calURL,
		"caldav_timeout", conf.CalDAV.Timeout(),
		"conditional_writes", conf.Booking.ConditionalWrites,
		"probe_schedule", conf.Probe.Schedule,
		"basic_auth", conf.BasicAuth != nil,
	)
	return a, nil
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP dashboard and booking API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appLog.Info("caldash starting", "version", version)

			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.svc.Close()

			// CLI --listen overrides config file listen if provided.
			if listen != "" {
				a.cfg.Listen = listen
			}

			// Root context with cancellation on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var prober *probe.Prober
			if a.client != nil {
				prober = probe.New(a.client, a.cfg.CalDAV.Timeout())
				if a.cfg.Probe.Schedule != "" {
					loc, _ := a.cfg.Location()
					if err := prober.Start(a.cfg.Probe.Schedule, loc); err != nil {
						return err
					}
					defer prober.Stop()
				}
				go prober.RunOnce(ctx)
			}

			srv := web.NewServer(a.cfg, a.svc, prober)
			if err := srv.ListenAndServe(ctx); err != nil {
				appLog.Error("http server stopped", err)
				return err
			}
			appLog.Info("caldash exiting")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func newSlotsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "slots",
		Short: "Print the currently bookable slots as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.svc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.CalDAV.Timeout()+5*time.Second)
			defer cancel()

			found, err := a.svc.ListSlots(ctx)
			if err != nil {
				appLog.Error("listing slots failed", err)
				return err
			}

			type slotOut struct {
				ID       string    `json:"id"`
				Start    time.Time `json:"start"`
				End      time.Time `json:"end"`
				Duration int       `json:"duration"`
				Title    string    `json:"title"`
				Location string    `json:"location,omitempty"`
			}
			out := make([]slotOut, 0, len(found))
			for _, s := range found {
				out = append(out, slotOut{s.ID, s.Start, s.End, s.Duration, s.Title, s.Location})
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
