package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/localcache/segcache/internal/admin"
	"github.com/localcache/segcache/internal/config"
	"github.com/localcache/segcache/internal/sizecache"
	"github.com/localcache/segcache/pkg/cache"
)

func runServe(ctx context.Context, args *config.ServeCmd) error {
	log := zerolog.Ctx(ctx)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	core, err := cache.NewCacheCore(cache.Config{
		Dir:         args.CacheDir,
		BlockSize:   args.BlockSize,
		BudgetBytes: args.BudgetBytes,
		Log:         *log,
	})
	if err != nil {
		return fmt.Errorf("init cache core: %w", err)
	}

	srv := &http.Server{
		Addr:    args.AdminAddr,
		Handler: admin.Handler(core),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info().Str("admin", args.AdminAddr).Str("cachedir", args.CacheDir).Msg("cached start")
	return g.Wait()
}

func runGet(ctx context.Context, args *config.GetCmd) error {
	log := zerolog.Ctx(ctx)

	core, err := cache.NewCacheCore(cache.Config{
		Dir:         args.CacheDir,
		BlockSize:   1 << 20,
		BudgetBytes: 1 << 30,
		Log:         *log,
	})
	if err != nil {
		return fmt.Errorf("init cache core: %w", err)
	}

	sizes := sizecache.New(1024)
	remote := cache.NewHTTPRangeReader(args.URL, http.DefaultClient, *log, sizes)
	size, err := remote.Size()
	if err != nil {
		return fmt.Errorf("stat remote file: %w", err)
	}

	count := args.Count
	if count <= 0 {
		count = size - args.Offset
	}

	key := cache.NewKey(args.URL)
	rng, err := cache.NewRange(uint64(args.Offset), uint64(args.Offset+count-1))
	if err != nil {
		return err
	}

	holder, err := core.GetSegments(key, rng, size)
	if err != nil {
		return fmt.Errorf("get segments: %w", err)
	}
	defer holder.Release()

	session := cache.NewSession()
	id := session.NewCallerID()

	bar := progressbar.DefaultBytes(count, "fetching")

	out := io.Writer(os.Stdout)
	if args.Out != "-" {
		f, err := os.Create(args.Out)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	for _, seg := range holder.Segments() {
		if err := fillSegment(seg, remote, id); err != nil {
			return err
		}

		n := seg.DownloadedSize()
		buf := make([]byte, n)
		if _, err := seg.ReadLocal(buf, 0); err != nil && err != io.EOF {
			return fmt.Errorf("read cached segment: %w", err)
		}

		if _, err := out.Write(buf); err != nil {
			return err
		}
		_ = bar.Add64(n)
	}

	return nil
}

// fillSegment drives one segment through reserve/write until it is complete,
// becoming its downloader if nobody else already is one.
func fillSegment(seg *cache.Segment, remote cache.RemoteReader, id cache.CallerID) error {
	downloader, err := seg.GetOrSetDownloader(id)
	if err != nil {
		return err
	}
	if downloader != id {
		seg.Wait(0)
		return nil
	}

	const chunkSize = 64 * 1024
	for seg.State() == cache.StateDownloading {
		offset := seg.GetDownloadOffset()
		remaining := seg.Range().Right - offset + 1
		n := chunkSize
		if remaining < uint64(n) {
			n = int(remaining)
		}
		if n == 0 {
			break
		}

		buf := make([]byte, n)
		if err := seg.Reserve(id, int64(n)); err != nil {
			return err
		}
		if _, err := remote.ReadAt(buf, int64(offset)); err != nil && err != io.EOF {
			return err
		}
		if err := seg.Write(id, buf, n, offset); err != nil {
			return err
		}
	}

	return nil
}
