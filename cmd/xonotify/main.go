// Command xonotify generates push-notification text with a language model
// and delivers it to users under a send-frequency policy.
//
// Usage:
//
//	xonotify <command> [flags]
//
// Commands:
//
//	init      create the configuration file interactively
//	generate  print one or more notification drafts
//	serve     run the HTTP API
//	run       dispatch a jobs file once or on an interval
//	stats     print response cache statistics
//	purge     drop expired (or all) cache entries
//	reset     forget the send history of one or all users
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xostack/xonotify"
	"github.com/xostack/xonotify/config"
	"github.com/xostack/xonotify/dispatch"
	"github.com/xostack/xonotify/httpapi"
	"github.com/xostack/xonotify/llm"
	"github.com/xostack/xonotify/prompt"
	"github.com/xostack/xonotify/schedule"
)

const usage = `usage: xonotify <command> [flags]

commands:
  init      create the configuration file interactively
  generate  print one or more notification drafts
  serve     run the HTTP API
  run       dispatch a jobs file once or on an interval
  stats     print response cache statistics
  purge     drop expired (or all) cache entries
  reset     forget the send history of one or all users

Run 'xonotify <command> -h' for command flags.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	commands := map[string]func(context.Context, []string, io.Reader, io.Writer, io.Writer) error{
		"init":     cmdInit,
		"generate": cmdGenerate,
		"serve":    cmdServe,
		"run":      cmdRun,
		"stats":    cmdStats,
		"purge":    cmdPurge,
		"reset":    cmdReset,
	}
	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", name, usage)
		return 2
	}

	if err := cmd(ctx, args[1:], stdin, stdout, stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "xonotify %s: %v\n", name, err)
		return 1
	}
	return 0
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to the configuration file (default: XDG config path)")
	return fs, cfgPath
}

// contextFlag collects repeated -ctx key=value pairs.
type contextFlag map[string]string

func (c contextFlag) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k+"="+c[k])
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (c contextFlag) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	c[strings.TrimSpace(k)] = strings.TrimSpace(val)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdInit(_ context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs, cfgPath := newFlagSet("init", stderr)
	force := fs.Bool("force", false, "overwrite an existing configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *cfgPath
	if path == "" {
		p, err := config.GetConfigFilePath()
		if err != nil {
			return err
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("configuration file %s already exists (use -force to overwrite)", path)
	}

	_, err := config.WriteInteractive(path, stdin, stdout)
	return err
}

func cmdGenerate(ctx context.Context, args []string, _ io.Reader, stdout, stderr io.Writer) error {
	fs, cfgPath := newFlagSet("generate", stderr)
	appID := fs.String("app", "", "application package, e.g. com.example.app (required)")
	tone := fs.String("tone", string(prompt.Friendly), "tone of the notification")
	frequency := fs.String("frequency", string(schedule.Daily), "send frequency shown to the model")
	locale := fs.String("locale", "", "BCP 47 locale of the notification")
	crash := fs.String("crash", "", "recent crash summary")
	maxLength := fs.Int("max-length", prompt.DefaultMaxLength, "maximum characters")
	variants := fs.Int("variants", 1, "number of drafts at increasing temperature")
	asJSON := fs.Bool("json", false, "print outcomes as JSON")
	session := contextFlag{}
	fs.Var(session, "ctx", "session context entry key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *appID == "" {
		return errors.New("-app is required")
	}
	if *variants < 1 || *variants > httpapi.MaxVariants {
		return fmt.Errorf("-variants must be between 1 and %d", httpapi.MaxVariants)
	}

	t, err := prompt.ParseTone(*tone)
	if err != nil {
		return err
	}
	f, err := schedule.ParseFrequency(*frequency)
	if err != nil {
		return err
	}
	req := prompt.Request{
		AppID:     *appID,
		Tone:      t,
		Frequency: f,
		MaxLength: *maxLength,
		Locale:    *locale,
		CrashText: *crash,
	}
	if len(session) > 0 {
		req.Context = session
	}

	a, err := newApp(*cfgPath, stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	g, err := a.generator()
	if err != nil {
		return err
	}

	var outs []xonotify.Outcome
	if *variants == 1 {
		outs = []xonotify.Outcome{g.GenerateOne(ctx, req)}
	} else {
		outs = g.GenerateVariants(ctx, req, *variants)
	}
	var lastErr error
	succeeded := 0
	for _, o := range outs {
		if o.OK() {
			succeeded++
		} else {
			lastErr = o.Err
		}
	}

	if *asJSON {
		views := make([]httpapi.OutcomeView, 0, len(outs))
		for _, o := range outs {
			views = append(views, httpapi.NewOutcomeView(o))
		}
		if err := writeJSON(stdout, views); err != nil {
			return err
		}
	} else {
		for _, o := range outs {
			if !o.OK() {
				fmt.Fprintf(stderr, "generation failed: %v\n", o.Err)
				continue
			}
			fmt.Fprintln(stdout, o.Text)
		}
	}

	if succeeded == 0 && lastErr != nil {
		return fmt.Errorf("all %d generation attempts failed: %w", len(outs), lastErr)
	}
	return nil
}

func cmdServe(ctx context.Context, args []string, _ io.Reader, _, stderr io.Writer) error {
	fs, cfgPath := newFlagSet("serve", stderr)
	addr := fs.String("addr", "", "listen address (overrides [server].addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*cfgPath, stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	d, err := a.dispatcher()
	if err != nil {
		return err
	}

	listen := a.cfg.Server.Addr
	if *addr != "" {
		listen = *addr
	}

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.Deps{
		Generator:  a.gen,
		Dispatcher: d,
		Cache:      a.cache,
		Limiter:    a.limiter,
		Metrics:    a.metrics,
		Gatherer:   a.registry,
		Logger:     a.log,

		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	})

	srv := newHTTPServer(listen, router, time.Duration(a.cfg.RequestTimeoutSeconds)*time.Second)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("starting HTTP server", zap.String("addr", listen), zap.String("provider", a.gen.Provider()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info("server exited")
	return nil
}

// newHTTPServer sizes WriteTimeout so a generate request with the maximum
// number of variants can finish when every provider call runs to its
// timeout. callTimeout <= 0 means the slowest provider default.
func newHTTPServer(addr string, h http.Handler, callTimeout time.Duration) *http.Server {
	if callTimeout <= 0 {
		callTimeout = llm.SlowTimeout
	}
	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Duration(httpapi.MaxVariants)*callTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func loadJobs(path string) ([]dispatch.Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jobs file: %w", err)
	}
	var jobs []dispatch.Job
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, fmt.Errorf("parse jobs file %s: %w", path, err)
	}
	for i, j := range jobs {
		if j.UserID == "" || j.Request.AppID == "" {
			return nil, fmt.Errorf("job %d: user_id and request.app_id are required", i)
		}
		if j.Request.Tone == "" {
			jobs[i].Request.Tone = prompt.Friendly
		}
	}
	return jobs, nil
}

func cmdRun(ctx context.Context, args []string, _ io.Reader, stdout, stderr io.Writer) error {
	fs, cfgPath := newFlagSet("run", stderr)
	jobsPath := fs.String("jobs", "", "JSON file with an array of {user_id, request} jobs (required)")
	interval := fs.Duration("interval", 0, "repeat every interval until interrupted; 0 runs once")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobsPath == "" {
		return errors.New("-jobs is required")
	}
	if *interval < 0 {
		return errors.New("-interval must not be negative")
	}
	jobs, err := loadJobs(*jobsPath)
	if err != nil {
		return err
	}

	a, err := newApp(*cfgPath, stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	d, err := a.dispatcher()
	if err != nil {
		return err
	}

	if *interval == 0 {
		return writeJSON(stdout, d.RunOnce(ctx, jobs))
	}
	return d.Run(ctx, *interval, jobs)
}

func cmdStats(ctx context.Context, args []string, _ io.Reader, stdout, stderr io.Writer) error {
	fs, cfgPath := newFlagSet("stats", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := newApp(*cfgPath, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.cache.Stats(ctx)
	if err != nil {
		return err
	}
	return writeJSON(stdout, st)
}

func cmdPurge(ctx context.Context, args []string, _ io.Reader, stdout, stderr io.Writer) error {
	fs, cfgPath := newFlagSet("purge", stderr)
	all := fs.Bool("all", false, "remove every entry, not only expired ones")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := newApp(*cfgPath, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if *all {
		if err := a.cache.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "cache cleared")
		return nil
	}
	n, err := a.cache.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "removed %d expired entries\n", n)
	return nil
}

func cmdReset(ctx context.Context, args []string, _ io.Reader, stdout, stderr io.Writer) error {
	fs, cfgPath := newFlagSet("reset", stderr)
	user := fs.String("user", "", "user whose history is cleared")
	all := fs.Bool("all", false, "clear every user's history")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*user == "") == !*all {
		return errors.New("exactly one of -user or -all is required")
	}
	a, err := newApp(*cfgPath, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if *all {
		if err := a.limiter.ResetAll(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "schedule history cleared for all users")
		return nil
	}
	if err := a.limiter.Reset(ctx, *user); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "schedule history cleared for %s\n", *user)
	return nil
}
