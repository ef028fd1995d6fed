package app

import (
	"context"
	"os"
	"strings"

	"charon/internal/storage"
)

// Recompute evaluates one asset, or every active asset when asset is empty, and prints the new signals.
func (a *App) Recompute(ctx context.Context, asset string) error {
	repo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	svc := a.newService(repo, a.newNotifier(), nil, nil, nil)

	if asset != "" {
		signal, err := svc.RecomputeAsset(ctx, asset)
		if err != nil {
			return err
		}
		return writeSignals(os.Stdout, []storage.Signal{signal})
	}

	if err := svc.RecomputeAll(ctx); err != nil {
		return err
	}
	instruments, err := repo.ListInstruments(ctx, true)
	if err != nil {
		return err
	}
	latest := make([]storage.Signal, 0, len(instruments))
	for _, inst := range instruments {
		signal, ok, err := repo.LatestSignal(ctx, strings.ToUpper(inst.Code))
		if err != nil {
			return err
		}
		if ok {
			latest = append(latest, signal)
		}
	}
	return writeSignals(os.Stdout, latest)
}
