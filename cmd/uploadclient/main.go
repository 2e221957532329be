// Command uploadclient uploads, inspects, downloads and deletes files on a chunked upload server.
//
// Usage:
//
//	uploadclient upload [-mime type] <file>
//	uploadclient status <upload id>
//	uploadclient download <upload id> <destination>
//	uploadclient list
//	uploadclient delete <upload id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bitrise-io/go-chunkupload/client"
	"github.com/bitrise-io/go-chunkupload/client/session"
	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	logger := log.NewLogger()
	if err := run(os.Args[1:], logger); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(args []string, logger log.Logger) error {
	if len(args) == 0 {
		return errors.New("missing command, expected one of: upload, status, download, list, delete")
	}

	cfg, err := config.LoadClient(env.NewRepository())
	if err != nil {
		return err
	}
	logger.EnableDebugLog(cfg.Debug)

	apiClient, err := client.New(client.Params{
		BaseURL:  cfg.BaseURL,
		OwnerID:  cfg.OwnerID,
		Token:    string(cfg.Token),
		Compress: cfg.Compress,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command, rest := args[0], args[1:]
	switch command {
	case "upload":
		return uploadFile(ctx, apiClient, cfg, rest, logger)
	case "status":
		if len(rest) != 1 {
			return errors.New("usage: status <upload id>")
		}
		status, err := apiClient.Status(ctx, rest[0])
		if err != nil {
			return err
		}
		logger.Printf("%s: %s (%d chunks, missing: %v)", status.Filename, status.Status, status.TotalChunks, status.MissingChunks)
		return nil
	case "download":
		if len(rest) != 2 {
			return errors.New("usage: download <upload id> <destination>")
		}
		if err := apiClient.Download(ctx, rest[0], rest[1]); err != nil {
			return err
		}
		logger.Donef("Downloaded to %s", rest[1])
		return nil
	case "list":
		uploads, err := apiClient.ListUploads(ctx)
		if err != nil {
			return err
		}
		for _, u := range uploads {
			logger.Printf("%s  %-40s %10s  %s", u.UploadID, u.Filename, units.HumanSize(float64(u.TotalSize)), u.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	case "delete":
		if len(rest) != 1 {
			return errors.New("usage: delete <upload id>")
		}
		if err := apiClient.Delete(ctx, rest[0]); err != nil {
			return err
		}
		logger.Donef("Deleted %s", rest[0])
		return nil
	}
	return fmt.Errorf("unknown command: %s", command)
}

func uploadFile(ctx context.Context, apiClient *client.Client, cfg config.Client, args []string, logger log.Logger) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	mimeType := fs.String("mime", "", "content type of the file, guessed from the extension when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: upload [-mime type] <file>")
	}
	path := fs.Arg(0)

	if *mimeType == "" {
		*mimeType = mime.TypeByExtension(filepath.Ext(path))
	}
	if *mimeType == "" {
		return fmt.Errorf("cannot guess the content type of %s, use -mime", path)
	}

	sessionCfg := session.Config{
		ChunkSize:       cfg.ChunkSize,
		Concurrency:     cfg.Concurrency,
		MaxRetries:      cfg.MaxRetries,
		StatusInterval:  cfg.StatusInterval,
		ProgressTimeout: cfg.ProgressTimeout,
	}
	if sessionCfg.ChunkSize <= 0 {
		sessionCfg.ChunkSize = session.DefaultConfig().ChunkSize
	}

	provider, err := session.NewFileChunkProvider(path, sessionCfg.ChunkSize)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	controller := session.NewController(apiClient, session.NewRegistry(), sessionCfg, logger)
	defer controller.Close()

	s, err := controller.Initialize(ctx, filepath.Base(path), *mimeType, provider)
	if err != nil {
		return err
	}
	logger.Infof("Uploading %s (%s) as %s", path, units.HumanSize(float64(provider.Size())), s.ID())

	if err := controller.Upload(ctx, s.ID()); err != nil {
		return err
	}

	snap, err := controller.Wait(ctx, s.ID())
	if errors.Is(err, session.ErrStalled) {
		logger.Warnf("Some chunks failed, resuming once")
		if err := controller.Resume(ctx, s.ID()); err != nil {
			return err
		}
		snap, err = controller.Wait(ctx, s.ID())
	}
	if err != nil {
		progress, _ := controller.Progress(s.ID())
		return fmt.Errorf("upload %s stopped at %.0f%%: %w", s.ID(), progress, err)
	}

	logger.Donef("Uploaded %s as %s", snap.Filename, snap.ID)
	return nil
}
