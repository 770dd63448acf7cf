package job

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/raffis/rageta-agent/internal/server"
)

const (
	diagnosticsRecordID = "__diagnostics"
	diagnosticsChunk    = 500
)

// uploadDiagnostics sends the aggregated job log to the diagnostics record of the job.
func uploadDiagnostics(ctx context.Context, client server.Client, path string) error {
	if path == "" {
		return errors.New("no aggregated job log available")
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read job log %s: %w", path, err)
	}

	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lines := make([]string, 0, diagnosticsChunk)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) == diagnosticsChunk {
			if err := client.AppendLog(ctx, diagnosticsRecordID, lines); err != nil {
				return err
			}

			lines = make([]string, 0, diagnosticsChunk)
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	if len(lines) == 0 {
		return nil
	}

	return client.AppendLog(ctx, diagnosticsRecordID, lines)
}
