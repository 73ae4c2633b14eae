package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"instsync/internal/install"
	"instsync/internal/instance"
)

// readManifest accepts either a bare JSON array of files or an object with
// a "files" array, the shape of the recovery manifest.
func readManifest(path string) ([]instance.File, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path given on the command line
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var files []instance.File
	if err := json.Unmarshal(data, &files); err == nil {
		return files, nil
	}
	var wrapped install.RecoveryManifest
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return wrapped.Files, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func runInstall(cmd *cobra.Command, _ []string) error {
	files, err := readManifest(manifestPath)
	if err != nil {
		return err
	}
	old, err := readManifest(oldPath)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()
	engine, closeStore := buildEngine(ctx, cfg)
	defer closeStore()

	root := engine.Install(install.Request{InstancePath: instancePath, Files: files, OldFiles: old})
	events := root.Subscribe(64)
	go func() {
		for snap := range events {
			log.Info().Str("state", string(snap.State)).Int64("progress", snap.Progress).
				Int64("total", snap.Total).Msg("install progress")
		}
	}()

	if err := root.Run(ctx); err != nil {
		return err
	}
	log.Info().Str("instance", instancePath).Int("files", len(files)).Msg("install complete")
	return nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	engine, closeStore := buildEngine(ctx, cfg)
	defer closeStore()

	files, err := engine.Check(ctx, instancePath)
	if err != nil {
		return err
	}
	if files == nil {
		files = []instance.File{}
	}
	return printJSON(cmd, files)
}

func runDiff(cmd *cobra.Command, _ []string) error {
	files, err := readManifest(manifestPath)
	if err != nil {
		return err
	}
	old, err := readManifest(oldPath)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()
	engine, closeStore := buildEngine(ctx, cfg)
	defer closeStore()

	ops, err := engine.Diff(ctx, instancePath, old, files)
	if err != nil {
		return err
	}
	return printJSON(cmd, ops)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
