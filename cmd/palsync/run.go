package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/palacepal/palsync/internal/config"
	"github.com/palacepal/palsync/internal/dispatcher"
	"github.com/palacepal/palsync/internal/handlers"
	"github.com/palacepal/palsync/internal/logging"
	"github.com/palacepal/palsync/internal/parser"
	"github.com/palacepal/palsync/internal/reconcile"
)

// response is written to stdout for every command line read from stdin.
type response struct {
	Command string `json:"command"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newRunCmd() *cobra.Command {
	var modeFlag string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine, reading host commands from stdin",
		Long: `Run the reconciliation engine as a host subprocess.

Every stdin line is a JSON command such as
  {"command":":REGION:","args":["561"]}
  {"command":":OBSERVE:","args":["561","trap:10.5,2,-3"]}
and is answered with one JSON line on stdout. Logs go to the logs directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if modeFlag == "" {
				modeFlag = config.GetMode()
			}
			mode, err := reconcile.ParseMode(modeFlag)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, mode, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&modeFlag, "mode", "", "online or offline (defaults to the configured mode)")
	return cmd
}

func run(ctx context.Context, mode reconcile.Mode, in io.Reader, out io.Writer) (err error) {
	tracker := newTracker()
	rt, err := setupLogging(true, trackerContext(tracker))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, rt.Close()) }()

	if err := rt.openStorage(); err != nil {
		return err
	}

	sess, err := newSession(ctx, rt, tracker, mode, true)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, sess.Close()) }()
	sess.startMonitoring(ctx)

	d, err := dispatcher.New(logging.NewDispatcherLogger(rt.Log))
	if err != nil {
		return err
	}
	deps := handlers.Dependencies{
		Engine:    sess.Engine,
		Parser:    parser.NewParser(rt.Log),
		Store:     rt.Backend,
		Monitor:   sess.Monitor,
		SourceURL: sourceURL(),
		Timeout:   config.GetRemoteConfig().Timeout,
		Logger:    rt.Log,
	}
	if sess.Remote != nil {
		deps.Stats = sess.Remote
	}
	handlers.NewService(deps).Register(d)

	engineCtx, cancelEngine := context.WithCancel(ctx)
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		sess.Engine.Run(engineCtx, config.GetTickInterval())
	}()

	rt.Log.Info("Engine running", "mode", mode.String(), "commands", d.Commands())
	serveErr := serve(ctx, d, in, out)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := d.Close(closeCtx); cerr != nil {
		rt.Log.Warn("Dispatcher did not drain", "error", cerr)
	}
	cancelEngine()
	<-engineDone

	rt.Log.Info("Engine stopped")
	return serveErr
}

// serve reads JSON commands line by line until in is exhausted or ctx is done.
func serve(ctx context.Context, d *dispatcher.Dispatcher, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if line == "" {
				continue
			}
			if err := enc.Encode(handleLine(d, line)); err != nil {
				return fmt.Errorf("writing response: %w", err)
			}
		}
	}
}

func handleLine(d *dispatcher.Dispatcher, line string) response {
	var e dispatcher.Event
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return response{Error: fmt.Sprintf("malformed command: %v", err)}
	}
	result, err := d.Dispatch(e)
	resp := response{Command: e.Command, Result: result}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}
