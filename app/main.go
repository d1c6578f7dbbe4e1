package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/example/jobsync/app/channel"
	"github.com/example/jobsync/app/client"
	"github.com/example/jobsync/app/identity"
	"github.com/example/jobsync/app/notify"
	"github.com/example/jobsync/app/syncer"
	"github.com/example/jobsync/app/web"
)

var opts struct {
	ServerURL  string `long:"server" env:"JOBSYNC_SERVER" default:"http://localhost:8000" description:"backend base url"`
	ChannelURL string `long:"channel" env:"JOBSYNC_CHANNEL" description:"websocket channel url, derived from server url if empty"`
	Listen     string `long:"listen" env:"JOBSYNC_LISTEN" default:"localhost:8080" description:"local api address"`
	Timeout    time.Duration `long:"timeout" env:"JOBSYNC_TIMEOUT" default:"10s" description:"backend request timeout"`
	DataFile   string        `long:"data" env:"JOBSYNC_DATA" default:"jobsync.db" description:"identity database file"`
	UserName   string `long:"name" env:"JOBSYNC_NAME" description:"display name to register on first run"`
	Dbg        bool   `long:"dbg" env:"JOBSYNC_DEBUG" description:"debug mode"`

	Sync struct {
		PollInterval     time.Duration `long:"poll" env:"POLL" default:"3s" description:"job poll interval"`
		WaitingInterval  time.Duration `long:"waiting" env:"WAITING" default:"5s" description:"waiting count poll interval"`
		RetryDelay       time.Duration `long:"retry" env:"RETRY" default:"1s" description:"mutation retry delay"`
		NudgeDelay       time.Duration `long:"nudge" env:"NUDGE" default:"500ms" description:"delay before post-submit poll"`
		Lookback         time.Duration `long:"lookback" env:"LOOKBACK" default:"180s" description:"poll watermark lookback"`
		FetchConcurrency int           `long:"fetch-concurrency" env:"FETCH_CONCURRENCY" default:"4" description:"max concurrent detail fetches"`
	} `group:"sync" namespace:"sync" env-namespace:"JOBSYNC_SYNC"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"5" description:"how many times to repeat failed registration"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"JOBSYNC_REPEATER"`

	Notify struct {
		EnabledError      bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable webhook notifications on job errors"`
		EnabledCompletion bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable webhook notifications on job completion"`
		WebhookURLs       []string      `long:"webhook" env:"WEBHOOK" description:"webhook url(s)" env-delim:","`
		Timeout           time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"webhook timeout"`
	} `group:"notify" namespace:"notify" env-namespace:"JOBSYNC_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable file logging"`
		Filename        string `long:"file" env:"FILE" default:"jobsync.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated log files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated log files in days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"enable gzip compression of rotated files"`
	} `group:"log" namespace:"log" env-namespace:"JOBSYNC_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("jobsync %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Fatalf("[ERROR] jobsync failed, %v", err)
	}
	log.Printf("[INFO] jobsync terminated")
}

func run(ctx context.Context) error {
	locals, err := identity.Open(opts.DataFile)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	defer func() {
		if e := locals.Close(); e != nil {
			log.Printf("[WARN] failed to close identity store: %v", e)
		}
	}()

	ident, err := locals.Load()
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	log.Printf("[INFO] user %s (%q), session %q", ident.UserID, ident.Name, ident.SessionID)

	api := client.New(opts.ServerURL, opts.Timeout)

	if err = bootstrap(ctx, api, locals, &ident); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	sup := channel.NewSupervisor(channelURL(ident.UserID))
	store := syncer.NewStore()

	eng, err := syncer.New(syncer.Config{
		Store:            store,
		Channel:          sup,
		API:              api,
		Cron:             cron.New(),
		Notifier:         makeNotifier(),
		UserID:           ident.UserID,
		SessionID:        ident.SessionID,
		SessionName:      ident.SessionName,
		PollInterval:     opts.Sync.PollInterval,
		WaitingInterval:  opts.Sync.WaitingInterval,
		RetryDelay:       opts.Sync.RetryDelay,
		NudgeDelay:       opts.Sync.NudgeDelay,
		Lookback:         opts.Sync.Lookback,
		FetchConcurrency: opts.Sync.FetchConcurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to create sync engine: %w", err)
	}
	sup.Handler = eng.Inbound

	srv, err := web.New(web.Config{
		Store:   store,
		Engine:  eng,
		API:     api,
		Locals:  locals,
		UserID:  ident.UserID,
		Version: revision,
	})
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	if err = srv.Run(ctx, opts.Listen); err != nil {
		return err
	}
	return <-done
}

// bootstrap registers the user and picks a session if none persisted yet.
// registration goes through the repeater, the rest of the app never retries
// http calls on its own.
func bootstrap(ctx context.Context, api *client.Client, locals *identity.Store, ident *identity.Identity) error {
	rptr := repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
		Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})

	if opts.UserName != "" && opts.UserName != ident.Name {
		err := rptr.Do(ctx, func() error {
			return api.RegisterUser(ctx, ident.UserID, opts.UserName)
		})
		if err != nil {
			return fmt.Errorf("failed to register user: %w", err)
		}
		if err = locals.SetName(opts.UserName); err != nil {
			return fmt.Errorf("failed to persist name: %w", err)
		}
		ident.Name = opts.UserName
		log.Printf("[INFO] registered user %s as %q", ident.UserID, opts.UserName)
	}

	if ident.SessionID != "" {
		return nil
	}

	var sessions []client.Session
	err := rptr.Do(ctx, func() error {
		var e error
		sessions, e = api.Sessions(ctx, ident.UserID)
		return e
	})
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	var session client.Session
	if len(sessions) > 0 {
		session = sessions[0]
	} else {
		if session, err = api.NewSession(ctx, ident.UserID); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		log.Printf("[INFO] created session %s", session.SessionID)
	}

	if err = locals.SetSession(session.SessionID, session.Name); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	ident.SessionID, ident.SessionName = session.SessionID, session.Name
	return nil
}

func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion {
		return nil
	}
	return notify.NewService(notify.Params{
		EnabledCompletion: opts.Notify.EnabledCompletion,
		EnabledError:      opts.Notify.EnabledError,
		Timeout:           opts.Notify.Timeout,
	}, opts.Notify.WebhookURLs)
}

// channelURL derives the websocket endpoint from the server url unless set explicitly
func channelURL(userID string) string {
	if opts.ChannelURL != "" {
		return opts.ChannelURL
	}
	u := opts.ServerURL
	switch {
	case len(u) > 8 && u[:8] == "https://":
		u = "wss://" + u[8:]
	case len(u) > 7 && u[:7] == "http://":
		u = "ws://" + u[7:]
	}
	return u + "/ws/" + userID
}

func setupLogs() io.Writer {
	logOpts := []log.Option{log.Msec}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}

	if !opts.Log.Enabled {
		log.Setup(logOpts...)
		return os.Stdout
	}

	fileWriter := &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.EnabledCompress,
	}
	logOpts = append(logOpts, log.Out(io.MultiWriter(os.Stdout, fileWriter)),
		log.Err(io.MultiWriter(os.Stderr, fileWriter)))
	log.Setup(logOpts...)
	return fileWriter
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGINT/SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
}
