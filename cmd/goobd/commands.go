package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/goobd/internal/codec"
	"github.com/shaunagostinho/goobd/internal/ecu"
	"github.com/shaunagostinho/goobd/internal/server"
	"github.com/shaunagostinho/goobd/web"
)

var (
	jsonOut   bool
	pollCount int
	listen    string
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List ports usable by the selected adapter type",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := loadConfig().NewHandler(ecu.Callbacks{})
		if err != nil {
			return err
		}
		ports := h.AvailablePorts()
		if jsonOut {
			return printJSON(ports)
		}
		if len(ports) == 0 {
			fmt.Println("no ports found")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll every supported parameter",
	Example: `  goobd poll --type obd2 --port /dev/ttyUSB0
  goobd poll --type uds --port can0 --count 1 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := connect(ctx, ecu.Callbacks{})
		if err != nil {
			return err
		}
		defer h.Disconnect()

		interval := loadConfig().PollInterval()
		for i := 0; pollCount <= 0 || i < pollCount; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
			readings, err := h.Update(ctx)
			if err != nil {
				return err
			}
			if err := printReadings(readings); err != nil {
				return err
			}
		}
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:     "read NAME...",
	Short:   "Read named parameters once",
	Example: `  goobd read rpm coolant_temp --port /dev/rfcomm0`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := connect(ctx, ecu.Callbacks{})
		if err != nil {
			return err
		}
		defer h.Disconnect()

		var readings []codec.Reading
		for _, name := range args {
			r, err := h.Read(ctx, name)
			if err != nil {
				log.Warn().Err(err).Str("parameter", name).Msg("read failed")
				continue
			}
			readings = append(readings, r)
		}
		return printReadings(readings)
	},
}

var dtcCmd = &cobra.Command{
	Use:   "dtc",
	Short: "Read diagnostic trouble codes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := connect(ctx, ecu.Callbacks{})
		if err != nil {
			return err
		}
		defer h.Disconnect()

		codes, err := h.DiagnosticCodes(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(codes)
		}
		if len(codes) == 0 {
			fmt.Println("no trouble codes")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CODE\tSTATUS\tSEVERITY\tDESCRIPTION")
		for _, c := range codes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Code, c.Status, c.Severity, c.Description)
		}
		return w.Flush()
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear diagnostic trouble codes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := connect(ctx, ecu.Callbacks{})
		if err != nil {
			return err
		}
		defer h.Disconnect()

		ok, err := h.ClearDiagnosticCodes(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("vehicle refused to clear codes")
		}
		fmt.Println("trouble codes cleared")
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the live dashboard server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if listen != "" {
			cfg.Server.ListenAddr = listen
		}
		srv, err := server.New(cfg, web.FS)
		if err != nil {
			return err
		}
		log.Info().Str("adapter", cfg.Adapter.Type).Str("port", cfg.Adapter.Port).Msg("goobd starting")
		return srv.Run(cmd.Context())
	},
}

func init() {
	for _, c := range []*cobra.Command{portsCmd, pollCmd, readCmd, dtcCmd} {
		c.Flags().BoolVar(&jsonOut, "json", false, "print JSON instead of a table")
	}
	pollCmd.Flags().IntVarP(&pollCount, "count", "n", 0, "number of passes (0 runs until interrupted)")
	serveCmd.Flags().StringVarP(&listen, "listen", "l", "", "override listen address (e.g. :8080)")
}

func printReadings(readings []codec.Reading) error {
	if jsonOut {
		return printJSON(readings)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PARAMETER\tVALUE\tUNIT")
	for _, r := range readings {
		fmt.Fprintf(w, "%s\t%g\t%s\n", r.Parameter, r.Value, r.Unit)
	}
	return w.Flush()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
