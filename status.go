package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	syncpkg "github.com/tonimelisma/cmisync/internal/sync"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state and unresolved conflicts",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			return runStatus(ctx)
		},
	}
}

// runStatus prints the stored change-log token, item count, and the
// conflict ledger.
func runStatus(ctx context.Context) error {
	logger := buildLogger()

	store, err := syncpkg.NewStore(statePath(loadedCfg), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	token, err := store.ChangeLogToken(ctx)
	if err != nil {
		return err
	}

	paths, err := store.ListLocalPaths(ctx)
	if err != nil {
		return err
	}

	conflicts, err := store.ListConflicts(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Local root:   %s\n", loadedCfg.Sync.LocalRoot)
	fmt.Printf("Remote root:  %s\n", loadedCfg.Repository.RemoteRoot)
	fmt.Printf("Synced items: %d\n", len(paths))

	if token == "" {
		fmt.Println("Change log:   no token stored (next run is a full sync)")
	} else {
		fmt.Printf("Change log:   token %s\n", token)
	}

	if len(conflicts) == 0 {
		fmt.Println("Conflicts:    none")
		return nil
	}

	fmt.Printf("Conflicts:    %d\n\n", len(conflicts))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DETECTED\tPATH\tKEPT AS")

	for _, c := range conflicts {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			c.DetectedAt.Format("2006-01-02 15:04:05"), c.Path, c.RenamedTo)
	}

	return w.Flush()
}
