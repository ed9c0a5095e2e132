// -----------------------------------------------------------------------
// Invoker - runs one service invocation and collects its outputs
// -----------------------------------------------------------------------

package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/models"
)

// InvocationResult is what one service run produced
type InvocationResult struct {
	Catalogs []string // Discovered output STAC catalogs
	Logs     []string // Captured stdout/stderr lines
}

// Invoker executes the service for one work item. The exec implementation
// spawns the service entrypoint; tests substitute their own.
type Invoker interface {
	// Invoke runs the service against the item, writing outputs under
	// metadataDir. Catalogs are discovered by the caller.
	Invoke(ctx context.Context, item *models.WorkItem, metadataDir string) (*InvocationResult, error)
	// Prime performs a startup dry run to surface configuration errors early
	Prime(ctx context.Context) error
}

// ExecInvoker spawns the service entrypoint as a subprocess
type ExecInvoker struct {
	command string
	args    []string
	logger  arbor.ILogger
}

// NewExecInvoker creates a subprocess invoker
func NewExecInvoker(command string, args []string, logger arbor.ILogger) *ExecInvoker {
	return &ExecInvoker{command: command, args: args, logger: logger}
}

// Invoke runs the service with the fixed argument shape and streams its
// output line by line into the result.
func (e *ExecInvoker) Invoke(ctx context.Context, item *models.WorkItem, metadataDir string) (*InvocationResult, error) {
	sources := ""
	if len(item.StacCatalogs) > 0 {
		sources = item.StacCatalogs[0]
	}

	args := append([]string{}, e.args...)
	args = append(args,
		"--harmony-action", "invoke",
		"--harmony-input", item.Operation,
		"--harmony-sources", sources,
		"--harmony-metadata-dir", metadataDir,
	)

	cmd := exec.CommandContext(ctx, e.command, args...)
	result := &InvocationResult{}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start service process: %w", err)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	capture := func(r *bufio.Scanner) {
		defer wg.Done()
		for r.Scan() {
			line := r.Text()
			mu.Lock()
			result.Logs = append(result.Logs, line)
			mu.Unlock()
			e.logger.Debug().Int64("workItemID", item.ID).Msg(line)
		}
	}
	wg.Add(2)
	go capture(bufio.NewScanner(stdout))
	go capture(bufio.NewScanner(stderr))
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("service process failed: %w", err)
	}

	result.Catalogs, err = DiscoverCatalogs(metadataDir)
	if err != nil {
		return result, err
	}
	return result, nil
}

// Prime runs the entrypoint without an invocation payload so broken images
// fail at startup rather than on the first claimed item.
func (e *ExecInvoker) Prime(ctx context.Context) error {
	args := append([]string{}, e.args...)
	args = append(args, "--harmony-action", "prime")
	cmd := exec.CommandContext(ctx, e.command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("prime invocation failed: %w (output: %s)", err, truncate(string(out), 300))
	}
	return nil
}

// DiscoverCatalogs lists the metadata directory for output catalogs. A
// multi-output invocation writes catalog0.json, catalog1.json, and so on.
func DiscoverCatalogs(metadataDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(metadataDir, "catalog*.json"))
	if err != nil {
		return nil, err
	}
	catalogs := make([]string, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		catalogs = append(catalogs, m)
	}
	return catalogs, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
