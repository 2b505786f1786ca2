package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chirpline/newsfeed/pagination"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info("schema is up to date")
			return nil
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background job workers until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			g, ctx := errgroup.WithContext(ctx)
			if addr := a.cfg.Metrics.Addr; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", a.metrics.Handler())
				srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				g.Go(func() error {
					a.logger.Info("serving metrics on %s", addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return errors.Wrap(err, "metrics server")
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}
			queues := []string{a.cfg.Queue.DefaultQueue, a.cfg.Queue.FanoutQueue}
			g.Go(func() error {
				a.logger.Info("consuming %v", queues)
				return a.worker.Run(ctx, queues...)
			})
			if err := g.Wait(); err != nil {
				return err
			}
			a.logger.Info("worker stopped")
			return nil
		},
	}
}

func newFanoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fanout",
		Short: "Schedule the fan-out of an existing post again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			postID, _ := cmd.Flags().GetInt64("post")
			if postID <= 0 {
				return errors.New("--post is required")
			}
			a, err := newApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			post, err := a.store.GetPost(cmd.Context(), postID)
			if err != nil {
				return err
			}
			if err := a.svc.Fanout().Schedule(cmd.Context(), post.ID, post.AuthorID); err != nil {
				return err
			}
			a.logger.Info("scheduled fan-out of post %d by %d", post.ID, post.AuthorID)
			return nil
		},
	}
	cmd.Flags().Int64("post", 0, "id of the post")
	return cmd
}

func newTimelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Print one page of a user's home timeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetInt64("user")
			raw, _ := cmd.Flags().GetString("cursor")
			size, _ := cmd.Flags().GetInt("page-size")
			if userID <= 0 {
				return errors.New("--user is required")
			}
			cursor, err := pagination.ParseCursor(raw)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			page, err := a.svc.Timeline(cmd.Context(), userID, pagination.Request{Cursor: cursor, PageSize: size})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, v := range page.Items {
				fmt.Fprintf(out, "%d\t%s\t@%d\t%s\t%d likes\t%d comments\n",
					v.Post.ID, v.Post.CreatedAt.Format(time.RFC3339), v.Post.AuthorID,
					strconv.Quote(v.Post.Content), v.LikesCount, v.CommentsCount)
			}
			if page.HasNext {
				fmt.Fprintf(out, "next: %s\n", page.Next)
			}
			return nil
		},
	}
	cmd.Flags().Int64("user", 0, "id of the timeline owner")
	cmd.Flags().String("cursor", "", "lt_<nanos> for older entries, gt_<nanos> for newer")
	cmd.Flags().Int("page-size", 0, "entries per page (0 for the default)")
	return cmd
}

func newRefillCountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refill-counts",
		Short: "Recount the stored like and comment counts and drop the cached ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			changed, dropped, err := a.svc.RefillCounts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "corrected %d rows, dropped %d cached counters\n", changed, dropped)
			return nil
		},
	}
}
