// Command rtclient is a headless realtime client: it connects to a relay,
// applies an audience profile, logs every notification it receives and
// prints a session summary on exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/router"
	"github.com/orchestra-mcp/realtime/src/service"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtclient terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	audience := flag.String("audience", "student", "Audience profile to apply")
	dedicated := flag.String("dedicated", "", "Comma-separated feature keys to open dedicated sessions for")
	duration := flag.Duration("duration", 0, "Exit after this long (0 waits for a signal)")
	params := map[string]string{}
	flag.Func("param", "Handshake parameter key=value (repeatable)", func(s string) error {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			return fmt.Errorf("expected key=value, got %q", s)
		}
		params[k] = v
		return nil
	})
	flag.Parse()

	cfg, err := config.Load(".env")
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	client, err := service.NewClient(cfg, logger, service.WithParams(query))
	if err != nil {
		return exitConfig, err
	}
	defer client.Close()

	if err := client.ApplyAudience(*audience, params); err != nil {
		return exitConfig, err
	}
	if err := subscribeAll(client.Default(), client.Table(), logger); err != nil {
		return exitRuntime, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if err := client.Connect(ctx); err != nil {
		// Reconnection continues in the background.
		logger.Warn().Err(err).Msg("initial connect timed out")
	}

	for _, key := range lo.Filter(strings.Split(*dedicated, ","), func(s string, _ int) bool { return s != "" }) {
		s, err := client.Dedicated(ctx, key, nil)
		if s == nil {
			return exitRuntime, err
		}
		if err != nil {
			logger.Warn().Err(err).Str("feature", key).Msg("dedicated session not ready")
		}
		if err := s.ActivateFeature(key); err != nil {
			return exitConfig, err
		}
		if err := subscribeAll(s, client.Table(), logger); err != nil {
			return exitRuntime, err
		}
	}

	<-ctx.Done()
	printSummary(client.Sessions())
	return exitOK, nil
}

// subscribeAll logs lifecycle notifications and every notification of the
// session's active features.
func subscribeAll(s *service.Session, table *router.Table, logger zerolog.Logger) error {
	log := func(evt types.Event) error {
		logger.Info().
			Str("conn_id", evt.ConnID).
			Str("event", evt.Name).
			Str("feature", evt.Feature).
			Interface("payload", evt.Payload).
			Msg("notification")
		return nil
	}

	lifecycle := []string{
		types.NotifyConnected, types.NotifyDisconnected, types.NotifyReconnected,
		types.NotifyError, types.NotifyHealthCheck,
	}
	for _, name := range lifecycle {
		if _, err := s.On(name, log, router.General); err != nil {
			return err
		}
	}

	for _, name := range s.Router().ActiveFeatures() {
		f, ok := table.Feature(name)
		if !ok {
			continue
		}
		notifications := lo.Uniq(lo.Map(f.Routes, func(r router.Route, _ int) string { return r.Notification }))
		notifications = append(notifications, name+":resumed")
		for _, n := range notifications {
			if _, err := s.On(n, log, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func printSummary(sessions []*service.Session) {
	fmt.Println(color.New(color.BgBlack, color.FgGreen).Render("  ====== realtime sessions ======"))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Session", "State", "Features", "Rooms", "Latency"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	for _, s := range sessions {
		sum := s.Summary()
		state := sum.State
		if state == types.StateConnected.String() {
			state = color.FgGreen.Render(state)
		} else {
			state = color.FgRed.Render(state)
		}
		table.Append([]string{
			sum.Key,
			sum.ID[:8],
			state,
			strings.Join(sum.Features, ","),
			strings.Join(sum.Rooms, ","),
			sum.Latency.Round(time.Millisecond).String(),
		})
	}
	table.Render()
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}
