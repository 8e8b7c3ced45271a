package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iurnickita/ecowallet/internal/auth"
	"github.com/iurnickita/ecowallet/internal/cache"
	"github.com/iurnickita/ecowallet/internal/config"
	"github.com/iurnickita/ecowallet/internal/handler"
	"github.com/iurnickita/ecowallet/internal/logger"
	"github.com/iurnickita/ecowallet/internal/model"
	"github.com/iurnickita/ecowallet/internal/realtime"
	"github.com/iurnickita/ecowallet/internal/realtime/pgnotify"
	"github.com/iurnickita/ecowallet/internal/service"
	"github.com/iurnickita/ecowallet/internal/store"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ecowallet",
		Short:         "Recycling wallet: balance, points, tiers and environmental impact",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(snapshotCmd())
	cmd.AddCommand(watchCmd())
	return cmd
}

// app - собранные зависимости команды
type app struct {
	cfg     config.Config
	zaplog  *zap.Logger
	service service.Service
	store   store.Store
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.GetConfig(cmd.Flags())
	if err != nil {
		return nil, err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return nil, err
	}

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	var syncer *realtime.Syncer
	if cfg.Realtime.Enabled {
		syncer = realtime.NewSyncer(pgnotify.New(cfg.Realtime, zaplog), cfg.Realtime, zaplog)
	}

	service, err := service.NewService(cfg.Service, store, cache.New(cfg.Cache, nil), syncer, zaplog)
	if err != nil {
		closeStore(store, zaplog)
		return nil, err
	}

	return &app{cfg: cfg, zaplog: zaplog, service: service, store: store}, nil
}

func (a *app) close() {
	a.service.Close()
	closeStore(a.store, a.zaplog)
	a.zaplog.Sync()
}

// closeStore - соединения держит только SQL-хранилище
func closeStore(store store.Store, zaplog *zap.Logger) {
	closer, ok := store.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		zaplog.Warn("store close failed", zap.Error(err))
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the wallet HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.Auth.SecretKey == "" {
				return config.ErrNoSecretKey
			}
			auth := auth.NewAuth(a.cfg.Auth, a.zaplog)

			return handler.Serve(cmd.Context(), a.cfg.Handler, auth, a.service, a.zaplog)
		},
	}
}

func snapshotCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Compute and print the wallet of a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			wallet, err := a.service.GetWallet(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return printWallet(cmd, wallet.Snapshot, wallet.State)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func watchCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the wallet of a user on every change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if !a.cfg.Realtime.Enabled {
				a.zaplog.Warn("realtime is disabled, wallet changes will not be pushed")
			}

			// клиентский режим: один активный пользователь
			a.service.SetActiveUser(userID)

			updates := make(chan model.WalletSnapshot, 8)
			unsubscribe, err := a.service.OnWalletChange(userID, func(snapshot model.WalletSnapshot) {
				select {
				case updates <- snapshot:
				default:
					a.zaplog.Warn("wallet update skipped", zap.String("user", userID))
				}
			})
			if err != nil {
				return err
			}
			defer unsubscribe()

			wallet, err := a.service.GetWallet(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if err := printWallet(cmd, wallet.Snapshot, wallet.State); err != nil {
				return err
			}
			// первый расчет приходит и подписчику
			printed := wallet.Snapshot.ComputedAt

			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case snapshot := <-updates:
					if !snapshot.ComputedAt.After(printed) {
						continue
					}
					printed = snapshot.ComputedAt
					if err := printWallet(cmd, snapshot, model.WalletStateLive); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printWallet(cmd *cobra.Command, snapshot model.WalletSnapshot, state model.WalletState) error {
	out := struct {
		model.WalletSnapshot
		State model.WalletState `json:"state"`
	}{snapshot, state}

	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
