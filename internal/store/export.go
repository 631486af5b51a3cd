package store

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rendis/steward/pkg/schema"
)

// ExportRunsJSONL writes every stored run to w as one JSON object per line,
// in run_id order, and returns how many runs were written.
func ExportRunsJSONL(ctx context.Context, runs RunStore, w io.Writer) (int, error) {
	runIDs, err := runs.ListIDs(ctx)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	for i, id := range runIDs {
		if err := ctx.Err(); err != nil {
			return i, schema.NewError(schema.ErrCodeCancelled, "export cancelled").WithCause(err)
		}
		run, err := runs.Load(ctx, id)
		if err != nil {
			return i, err
		}
		if err := enc.Encode(run); err != nil {
			return i, storeErr("encode run", err)
		}
	}
	return len(runIDs), nil
}

// ExportRunsFile exports to outputPath, creating parent directories.
func ExportRunsFile(ctx context.Context, runs RunStore, outputPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return 0, storeErr("create export dir", err)
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return 0, storeErr("create export file", err)
	}
	n, err := ExportRunsJSONL(ctx, runs, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = storeErr("close export file", cerr)
	}
	return n, err
}

// BuildRunSummary projects a run for list views.
func BuildRunSummary(run *schema.RunRecord) schema.RunSummary {
	return run.Summary()
}

// OrderRunEvents returns a copy of events sorted by timestamp, then event_id.
func OrderRunEvents(events []schema.RunEvent) []schema.RunEvent {
	out := append([]schema.RunEvent(nil), events...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}
