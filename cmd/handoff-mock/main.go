package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/escalation"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/logging"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/mockapi"
)

type options struct {
	addr         string
	operatorName string
	queue        int
	eta          int
	chunkDelay   time.Duration
	failHandoff  bool
	offline      bool
	logLevel     string
	withCaller   bool
}

func main() {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "handoff-mock",
		Short: "Local stand-in for the support API and operator channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}
	f := rootCmd.Flags()
	f.StringVar(&opts.addr, "addr", ":8080", "listen address")
	f.StringVar(&opts.operatorName, "operator-name", "Ana", "operator that joins handed-off conversations; empty to stay silent")
	f.IntVar(&opts.queue, "queue-position", 2, "queue position reported by the handoff endpoint")
	f.IntVar(&opts.eta, "eta-minutes", 3, "wait estimate reported by the handoff endpoint")
	f.DurationVar(&opts.chunkDelay, "chunk-delay", 60*time.Millisecond, "delay between streamed assistant chunks")
	f.BoolVar(&opts.failHandoff, "fail-handoff", false, "answer handoff requests with 503")
	f.BoolVar(&opts.offline, "assistant-offline", false, "answer assistant requests with 503")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
	f.BoolVar(&opts.withCaller, "with-caller", false, "log caller file and line")

	cobra.CheckErr(rootCmd.Execute())
}

func run(ctx context.Context, opts *options) error {
	closer, err := logging.Init(logging.Settings{Level: opts.logLevel, WithCaller: opts.withCaller})
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := mockapi.New()
	api.SetReplyDelay(opts.chunkDelay)
	api.SetAutoJoin(opts.operatorName)
	queue, eta := opts.queue, opts.eta
	status := 0
	if opts.failHandoff {
		status = http.StatusServiceUnavailable
	}
	api.SetHandoff(escalation.Result{ConversationID: "op-demo", QueuePosition: &queue, ETAMinutes: &eta}, status)
	if opts.offline {
		api.SetConversation("", http.StatusServiceUnavailable)
	}

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	eg, groupCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", opts.addr).Msg("mock support API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
