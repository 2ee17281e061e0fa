package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/offchan/offchan/internal/api"
	"github.com/offchan/offchan/internal/auth"
	"github.com/offchan/offchan/internal/channel"
)

const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the payment-channel hub daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			return serve(rt)
		},
	}
}

func serve(rt *runtime) error {
	keyPair, err := auth.LoadOrGenerate(rt.cfg.JWTKeyPath)
	if err != nil {
		return err
	}
	tokens := auth.NewService(keyPair, rt.cfg.JWTIssuer)

	handler := api.NewHandler(rt.cfg.Account, rt.channels, tokens, rt.logger.Named("api"))
	server := &http.Server{
		Addr:    rt.cfg.ListenAddr,
		Handler: api.NewRouter(handler),
	}

	rt.channels.Notifier().Subscribe(func(ev channel.Event) {
		rt.logger.Info("channel event",
			zap.String("kind", string(ev.Kind)),
			zap.String("channel_id", ev.Channel.ChannelID.String()),
		)
	})

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("hub listening",
			zap.String("addr", rt.cfg.ListenAddr),
			zap.String("account", rt.cfg.Account),
		)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-stop:
		rt.logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return server.Shutdown(ctx)
}
