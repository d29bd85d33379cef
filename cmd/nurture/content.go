package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/nurture/internal/content"
	"github.com/mohammad-safakhou/nurture/internal/runtime"
	srv "github.com/mohammad-safakhou/nurture/internal/server"
	"github.com/mohammad-safakhou/nurture/internal/store"
)

func openStore(ctx context.Context, cfgPath string) (*store.Store, error) {
	cfg, _, err := bootstrap(cfgPath)
	if err != nil {
		return nil, err
	}
	dsn, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	return store.NewWithDSN(ctx, dsn)
}

func contentCMD(cfgPath *string) *cobra.Command {
	c := &cobra.Command{
		Use:   "content",
		Short: "Manage the content catalog",
	}

	seed := &cobra.Command{
		Use:   "seed [file.yaml]",
		Short: "Upsert catalog items from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			n, err := srv.SeedCatalog(cmd.Context(), st, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("seeded %d items\n", n)
			return nil
		},
	}

	var tags string
	var timeout time.Duration
	ingest := &cobra.Command{
		Use:   "ingest [url...]",
		Short: "Fetch articles and add them to the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			fetcher := content.NewFetcher(timeout)
			tagList := splitList(tags)
			for _, link := range args {
				it, err := fetcher.Fetch(cmd.Context(), link, tagList)
				if err != nil {
					return err
				}
				if err := st.UpsertCatalogItem(cmd.Context(), it); err != nil {
					return err
				}
				fmt.Printf("%s\t%s\n", it.ID, it.Title)
			}
			return nil
		},
	}
	ingest.Flags().StringVar(&tags, "tags", "", "comma separated tags")
	ingest.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "fetch timeout")

	var limit int
	search := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			items, err := st.ListCatalog(cmd.Context())
			if err != nil {
				return err
			}
			cat, err := content.NewCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()
			if err := cat.Add(items...); err != nil {
				return err
			}
			refs, err := cat.Search(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			return printJSON(refs)
		},
	}
	search.Flags().IntVar(&limit, "limit", 10, "maximum results")

	c.AddCommand(seed, ingest, search)
	return c
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
