package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mailqueue/internal/app"
	"mailqueue/internal/config"
	"mailqueue/internal/dispatch"
	"mailqueue/internal/job"
	"mailqueue/internal/storage"
	logx "mailqueue/pkg/logx"
)

const usage = `usage: mailqueue [-config path] <command> [flags]

commands:
  run        start workers, scheduler and HTTP API (default)
  dispatch   enqueue one email job
  failed     list failure records
  stats      print queue counts
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml or json")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, args := "run", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = run(ctx, cfgPath)
	case "dispatch":
		err = dispatchCmd(ctx, cfgPath, args)
	case "failed":
		err = failedCmd(ctx, cfgPath, args)
	case "stats":
		err = statsCmd(ctx, cfgPath, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// openStore loads the config and opens its store for one-shot commands.
func openStore(cfgPath string) (config.Settings, storage.Store, error) {
	log := logx.NewConsole("warn")
	u, err := config.NewManager(cfgPath, log).Load()
	if err != nil {
		return config.Settings{}, nil, err
	}
	s := u.Settings
	if d := strings.ToLower(s.Storage.Driver); d == "" || d == "memory" || d == "mem" {
		return s, nil, errors.New("storage driver is memory; one-shot commands need a persistent store")
	}
	st, err := storage.Open(s.Storage, log)
	if err != nil {
		return s, nil, err
	}
	return s, st, nil
}

func dispatchCmd(ctx context.Context, cfgPath string, args []string) error {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	to := fs.String("to", "", "recipient address or chat target")
	subject := fs.String("subject", "", "subject line")
	message := fs.String("message", "", "message body")
	queue := fs.String("queue", "", "queue name (default from config)")
	delay := fs.Duration("delay", 0, "delay before the job becomes available")
	_ = fs.Parse(args)

	s, st, err := openStore(cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	d := dispatch.New(st, s.Dispatch, nil, logx.NewConsole("warn"))
	id, err := d.DispatchEmail(ctx, dispatch.Email{
		Recipient: *to,
		Subject:   *subject,
		Message:   *message,
		Queue:     *queue,
		Delay:     *delay,
	})
	if err != nil {
		var ve *job.ValidationError
		if errors.As(err, &ve) {
			for _, e := range ve.Errors {
				fmt.Fprintln(os.Stderr, "  "+e.Error())
			}
		}
		return err
	}
	fmt.Println(id)
	return nil
}

func failedCmd(ctx context.Context, cfgPath string, args []string) error {
	fs := flag.NewFlagSet("failed", flag.ExitOnError)
	queue := fs.String("queue", "", "only this queue")
	since := fs.Duration("since", 0, "only failures newer than this")
	limit := fs.Int("limit", 50, "maximum records")
	_ = fs.Parse(args)

	_, st, err := openStore(cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	f := job.FailureFilter{Queue: *queue, Limit: *limit}
	if *since > 0 {
		f.Since = time.Now().Add(-*since)
	}
	recs, err := st.Failures(ctx, f)
	if err != nil {
		return err
	}
	return printJSON(recs)
}

func statsCmd(ctx context.Context, cfgPath string, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	queue := fs.String("queue", "", "only this queue")
	_ = fs.Parse(args)

	_, st, err := openStore(cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(ctx, *queue)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
