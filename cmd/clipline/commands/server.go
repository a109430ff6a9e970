package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/urfave/cli/v3"
)

// ServerStartAction はHTTPサーバを起動するコマンドのアクション
func ServerStartAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	addr := appCtx.Config.Server.Addr
	if a := cmd.String("addr"); a != "" {
		addr = a
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: appCtx.Container.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		appCtx.Logger().Info("HTTPサーバを起動しました", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTPサーバの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	appCtx.Logger().Info("HTTPサーバを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), appCtx.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバの停止に失敗: %w", err)
	}
	return nil
}
