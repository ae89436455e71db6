package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/navcam/dashcam/config"
	"github.com/navcam/dashcam/internal/api"
	"github.com/navcam/dashcam/internal/auth"
	"github.com/navcam/dashcam/internal/clipstore"
	"github.com/navcam/dashcam/internal/ledger"
	"github.com/navcam/dashcam/internal/middleware"
	"github.com/navcam/dashcam/internal/models"
	"github.com/navcam/dashcam/pkg/filelock"
	"github.com/navcam/dashcam/pkg/redis"
)

func newClipsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clips",
		Short: "Inspect and prune the clip directory",
	}
	cmd.AddCommand(newClipsListCmd(), newClipsPruneCmd())
	return cmd
}

func newClipsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List clips oldest first with their backup state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := clipstore.New(cfg.Recording.Dir, cfg.Recording.Ext, logger)
			if err != nil {
				return err
			}
			st, err := loadLedgerState(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Warn("ledger unavailable, backup state not shown", zap.Error(err))
			}
			return printClips(cmd.OutOrStdout(), store, st)
		},
	}
}

func newClipsPruneCmd() *cobra.Command {
	var maxMB int64
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete the oldest clips until the directory fits the storage cap",
		Long: "Delete the oldest clips until the directory fits the storage cap. " +
			"While a daemon records into the directory the prune runs inside it, " +
			"so the clip being recorded is never touched.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxMB < 0 {
				return errors.New("--max-mb must not be negative")
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := clipstore.New(cfg.Recording.Dir, cfg.Recording.Ext, logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			lock, err := filelock.TryAcquire(store.LockPath())
			switch {
			case errors.Is(err, filelock.ErrLocked):
				logger.Info("clip directory owned by a running daemon, pruning through its API", zap.String("addr", cfg.Server.Addr))
				token, err := daemonToken(cfg)
				if err != nil {
					return err
				}
				res, err := pruneViaDaemon(cmd.Context(), daemonURL(cfg.Server.Addr), token, maxMB)
				if err != nil {
					return err
				}
				printPrune(out, res)
				return nil
			case err != nil:
				return err
			}
			defer lock.Release()

			limit := cfg.Recording.Defaults().MaxStorageBytes
			if maxMB > 0 {
				limit = maxMB * 1_000_000
			}
			res := store.EvictOldestUntil(limit)
			printPrune(out, api.PruneResult{Evicted: res.Evicted, RemainingBytes: res.Remaining, LimitBytes: limit})
			return forgetInLedger(cmd.Context(), cfg, logger, res.Evicted)
		},
	}
	cmd.Flags().Int64Var(&maxMB, "max-mb", 0, "Storage cap in megabytes (default: the daemon's cap, or NAVCAM_MAX_STORAGE_MB)")
	return cmd
}

func printPrune(w io.Writer, res api.PruneResult) {
	for _, id := range res.Evicted {
		fmt.Fprintf(w, "deleted %s\n", id)
	}
	fmt.Fprintf(w, "%d clips deleted, %s remaining (cap %s)\n",
		len(res.Evicted), humanize.Bytes(uint64(res.RemainingBytes)), humanize.Bytes(uint64(res.LimitBytes)))
}

// daemonURL turns a listen address into a base URL on the loopback
// interface when no host is given.
func daemonURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// daemonToken mints a short-lived control token with the shared secret.
func daemonToken(cfg *config.Config) (string, error) {
	svc, err := auth.NewJWTService(cfg.JWT.Secret, 1)
	if err != nil {
		return "", err
	}
	return svc.Generate("navcam-cli", middleware.ScopeControl)
}

func pruneViaDaemon(ctx context.Context, baseURL, token string, maxMB int64) (api.PruneResult, error) {
	raw, err := json.Marshal(api.PruneClipsRequest{MaxStorageMB: maxMB})
	if err != nil {
		return api.PruneResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/clips/prune", bytes.NewReader(raw))
	if err != nil {
		return api.PruneResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return api.PruneResult{}, fmt.Errorf("reach daemon at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	var body struct {
		Success bool            `json:"success"`
		Data    api.PruneResult `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return api.PruneResult{}, fmt.Errorf("decode daemon response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !body.Success {
		return api.PruneResult{}, fmt.Errorf("daemon prune failed (status %d): %s", resp.StatusCode, body.Error)
	}
	return body.Data, nil
}

func printClips(w io.Writer, store *clipstore.Store, st ledger.State) error {
	uploaded := toSet(st.Uploaded)
	failed := toSet(st.Failed)
	pending := make(map[string]struct{}, len(st.Pending))
	for _, p := range st.Pending {
		pending[p.ClipID] = struct{}{}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSIZE\tBACKUP")
	var (
		n     int
		total int64
	)
	for clip := range store.List() {
		n++
		total += clip.SizeBytes
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", clip.ID, clip.CreatedAt.Local().Format(time.DateTime),
			humanize.Bytes(uint64(clip.SizeBytes)), backupState(clip.ID, uploaded, failed, pending))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d clips, %s\n", n, humanize.Bytes(uint64(total)))
	return err
}

func backupState(id string, uploaded, failed, pending map[string]struct{}) models.ClipStatus {
	if _, ok := uploaded[id]; ok {
		return models.ClipStatusUploaded
	}
	if _, ok := pending[id]; ok {
		if _, ok := failed[id]; ok {
			return models.ClipStatusFailed
		}
		return models.ClipStatusQueued
	}
	return models.ClipStatusUnsynced
}

func toSet(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

// withLedger opens the configured ledger for a one-shot command.
func withLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger, fn func(ledger.Store) error) error {
	var rdb *redis.Client
	if cfg.Backup.Ledger == "redis" {
		c, err := redis.NewClient(ctx, redis.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
		if err != nil {
			return err
		}
		defer c.Close()
		rdb = c
	}
	led, err := openLedger(cfg, rdb, logger)
	if err != nil {
		return err
	}
	return fn(led)
}

func loadLedgerState(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ledger.State, error) {
	var st ledger.State
	err := withLedger(ctx, cfg, logger, func(l ledger.Store) error {
		var err error
		st, err = l.Load(ctx)
		return err
	})
	return st, err
}

func forgetInLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return withLedger(ctx, cfg, logger, func(l ledger.Store) error {
		for _, id := range ids {
			if err := l.Forget(ctx, id); err != nil {
				return fmt.Errorf("forget %s: %w", id, err)
			}
		}
		return nil
	})
}
