package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"strings"

	"github.com/otelgrid/otelgrid/pkg/agentsim"
	"github.com/otelgrid/otelgrid/pkg/util/contextutil"
)

type labelFlags map[string]string

func (l labelFlags) String() string {
	parts := make([]string, 0, len(l))
	for k, v := range l {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (l labelFlags) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return errors.New("labels are key=value pairs")
	}
	l[k] = v
	return nil
}

func main() {
	labels := labelFlags{}
	serverURL := flag.String("server", "http://127.0.0.1:8081", "Control plane base URL.")
	token := flag.String("registration-token", "", "One-shot registration token.")
	name := flag.String("name", "agentsim", "Gateway name to register under.")
	scratchDir := flag.String("scratch-dir", "./agentsim-data", "Directory for materialized configs.")
	failApply := flag.Bool("fail-apply", false, "Reject every offered config, for rollout failure testing.")
	flag.Var(labels, "label", "Gateway label as key=value; repeatable.")
	flag.Parse()

	logger := slog.Default()
	if *token == "" {
		logger.Error("-registration-token is required")
		os.Exit(1)
	}

	ctx := contextutil.SetupSignals(context.Background())

	sim := agentsim.New(logger, agentsim.Config{
		ServerURL:         *serverURL,
		RegistrationToken: *token,
		Name:              *name,
		Labels:            labels,
		ScratchDir:        *scratchDir,
		FailApply:         *failApply,
	})

	creds, err := sim.Register(ctx)
	if err != nil {
		logger.With("err", err).Error("registration failed")
		os.Exit(1)
	}

	if err := sim.Start(ctx, creds); err != nil {
		logger.With("err", err).Error("failed to start opamp client")
		os.Exit(1)
	}

	logger.With("instance_uid", creds.InstanceUID).Info("agentsim running")
	<-ctx.Done()
	logger.Info("shutting down")
	if err := sim.Shutdown(context.Background()); err != nil {
		logger.With("err", err).Error("shutdown failed")
	}
}
