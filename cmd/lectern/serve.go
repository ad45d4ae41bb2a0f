package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jward/lectern"
	"github.com/jward/lectern/internal/logging"
	"github.com/jward/lectern/internal/lsp"
	"github.com/jward/lectern/internal/preview"
	"github.com/jward/lectern/internal/scheduler"
)

var (
	flagPreviewAddr string
	flagPoll        time.Duration
	flagDebounce    time.Duration
	flagTrigger     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the language server on stdio",
	Long:  "Speaks the language server protocol on stdin/stdout, serves live previews over HTTP and polls the workspace for external changes.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagPreviewAddr, "preview-addr", "127.0.0.1:23625", "preview HTTP listen address (empty disables the preview)")
	serveCmd.Flags().DurationVar(&flagPoll, "poll", lectern.DefaultPollInterval, "workspace poll interval (0 disables watching)")
	serveCmd.Flags().DurationVar(&flagDebounce, "debounce", scheduler.DefaultDebounce, "delay between the last edit and a compile")
	serveCmd.Flags().StringVar(&flagTrigger, "compile", "onType", "when open documents compile: onType|onSave|never")
}

func runServe(cmd *cobra.Command, args []string) error {
	trigger, err := scheduler.ParseTrigger(flagTrigger)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.Named("serve")
	engine, err := openEngine(ctx,
		lectern.WithDebounce(flagDebounce),
		lectern.WithPreviewJump(func(path string, off int) {
			log.Info("preview jump", logging.String("path", path), logging.Int("offset", off))
		}),
	)
	if err != nil {
		return err
	}
	defer engine.Close()

	if flagPreviewAddr != "" {
		ln, err := net.Listen("tcp", flagPreviewAddr)
		if err != nil {
			return fmt.Errorf("preview listen: %w", err)
		}
		srv := &http.Server{Handler: preview.NewMux(engine.Preview()), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("preview server stopped", logging.Err(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
		fmt.Fprintf(os.Stderr, "Preview: http://%s/\n", ln.Addr())
	}

	if flagPoll > 0 {
		go func() {
			if err := engine.Watch(ctx, flagPoll); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("workspace watch stopped", logging.Err(err))
			}
		}()
	}

	return lsp.NewServer(engine, lsp.WithTrigger(trigger)).Serve(ctx, stdio{})
}

// stdio joins stdin and stdout into one stream.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func (stdio) Close() error {
	return errors.Join(os.Stdin.Close(), os.Stdout.Close())
}
