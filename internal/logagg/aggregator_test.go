package logagg

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/raffis/rageta-agent/internal/execution"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

func readLog(t *testing.T, path string) string {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := gzip.NewReader(f)
	require.NoError(t, err)

	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func TestAggregator(t *testing.T) {
	job := execution.NewJobContext(context.Background(), execution.JobOptions{JobID: "42"})
	require.NoError(t, job.Variables.Set("token", "s3cr3t", execution.AsSecret()))

	a := New(t.TempDir(), WithBuffer(1))
	require.NoError(t, a.Start(job, []string{"Checkout", "Build"}))
	assert.Contains(t, a.Path(), "job_42_")

	step := job.CreateChild("build", "Build")
	step.Output("compiling")
	step.Output("using s3cr3t")
	step.Complete(ptr.To(execution.Failed))

	require.NoError(t, a.Wait())
	require.NoError(t, a.Wait())

	// lines after Wait are dropped
	step.Output("late")

	content := readLog(t, a.Path())
	assert.Contains(t, content, "Job 42\n  1. Checkout\n  2. Build\n")
	assert.Contains(t, content, "[Build] compiling\n")
	assert.Contains(t, content, "[Build] using ***\n")
	assert.Contains(t, content, "[Build] completed with result Failed\n")
	assert.NotContains(t, content, "late")
}

func TestAggregatorSkipsStepsWithoutForwarding(t *testing.T) {
	job := execution.NewJobContext(context.Background(), execution.JobOptions{JobID: "7"})

	a := New(t.TempDir())
	require.NoError(t, a.Start(job, []string{"Build", "Post-job: Build"}))

	main := job.CreateChild("build", "Build", execution.WithOutputForwarding(true))
	post := job.CreateChild("post_build", "Post-job: Build", execution.WithOutputForwarding(false))
	nested := post.CreateChild("cleanup", "Cleanup")
	containers := job.CreateChild("containers", "Initialize containers")

	main.Output("main output")
	post.Output("post output")
	nested.Output("nested post output")
	containers.Output("container output")
	job.Output("job output")

	require.NoError(t, a.Wait())

	content := readLog(t, a.Path())
	assert.Contains(t, content, "[Build] main output\n")
	assert.Contains(t, content, "[Initialize containers] container output\n")
	assert.Contains(t, content, "job output\n")
	assert.NotContains(t, content, "post output")
}

func TestAggregatorNotStarted(t *testing.T) {
	a := New(t.TempDir())
	assert.NoError(t, a.Wait())
	assert.Empty(t, a.Path())
}

func TestAggregatorStartTwice(t *testing.T) {
	job := execution.NewJobContext(context.Background(), execution.JobOptions{JobID: "42"})
	a := New(t.TempDir())
	require.NoError(t, a.Start(job, nil))
	assert.Error(t, a.Start(job, nil))
	require.NoError(t, a.Wait())
}
