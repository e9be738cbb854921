package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobnimbus/pkg/jobs"
	"github.com/3leaps/jobnimbus/pkg/launcher"
)

// cliEnv points config at a throwaway store and sandbox.
func cliEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("JOBNIMBUS_STORE_DRIVER", "sqlite")
	t.Setenv("JOBNIMBUS_STORE_PATH", filepath.Join(dir, "jobs.db"))
	t.Setenv("JOBNIMBUS_SANDBOX_ROOT", filepath.Join(dir, "sandboxes"))
	t.Setenv("JOBNIMBUS_TRANSFER_S3_ENABLED", "false")
	return dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	jobsJSON, jobsStatuses, jobsName, jobsUser, jobsLimit, jobsPage = false, nil, "", "", 50, 0
	cfgFile, verbose = "", false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestJobsSubmitListKill(t *testing.T) {
	dir := cliEnv(t)
	t.Setenv("JOBNIMBUS_LAUNCHER", "noop")

	dep := filepath.Join(dir, "input.csv")
	require.NoError(t, os.WriteFile(dep, []byte("x\n"), 0o644))
	reqFile := filepath.Join(dir, "request.yaml")
	require.NoError(t, os.WriteFile(reqFile, []byte(`
id: cli-1
name: nightly
user: carol
command: /bin/true
clusterCriteria:
  - tags: [batch]
fileDependencies:
  - `+dep+`
`), 0o644))

	out, err := runCLI(t, "jobs", "submit", "-f", reqFile, "--json")
	require.NoError(t, err)
	var rec jobs.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "cli-1", rec.ID)
	assert.Equal(t, jobs.StatusRunning, rec.Status)
	assert.FileExists(t, filepath.Join(dir, "sandboxes", "cli-1", "input.csv"))

	out, err = runCLI(t, "jobs", "list", "--json", "--status", "running")
	require.NoError(t, err)
	var recs []*jobs.Record
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)

	out, err = runCLI(t, "jobs", "kill", "cli-1")
	require.NoError(t, err)
	assert.Contains(t, out, "KILLED")

	out, err = runCLI(t, "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "cli-1")
	assert.Contains(t, out, "KILLED")

	_, err = runCLI(t, "jobs", "submit", "-f", reqFile)
	require.Error(t, err)
	var ce *cliError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, exitInvalidArgument, ce.code)
}

func TestJobsSubmitRunsInForeground(t *testing.T) {
	dir := cliEnv(t)
	reqFile := filepath.Join(dir, "request.yaml")
	require.NoError(t, os.WriteFile(reqFile, []byte(`
id: fg-1
command: /bin/sh
args: ["-c", "echo done; exit 3"]
clusterCriteria:
  - tags: [batch]
`), 0o644))

	out, err := runCLI(t, "jobs", "submit", "-f", reqFile, "--json")
	require.NoError(t, err)
	var rec jobs.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, jobs.StatusFailed, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 3, *rec.ExitCode)

	b, err := os.ReadFile(launcher.StdoutPath(rec.SandboxDir))
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(b))
}

func TestJobsKillSignalsRecordedProcess(t *testing.T) {
	dir := cliEnv(t)
	t.Setenv("JOBNIMBUS_LAUNCHER", "noop")
	reqFile := filepath.Join(dir, "request.yaml")
	require.NoError(t, os.WriteFile(reqFile, []byte(`
id: remote-1
command: /bin/true
clusterCriteria:
  - tags: [batch]
`), 0o644))

	out, err := runCLI(t, "jobs", "submit", "-f", reqFile, "--json")
	require.NoError(t, err)
	var rec jobs.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	require.Equal(t, jobs.StatusRunning, rec.Status)

	// Stand in for a process started by a server for this job.
	p := launcher.NewProcess(time.Second, nil)
	exited := make(chan int, 1)
	sleeper := &jobs.Record{ID: rec.ID, Command: "/bin/sh", Args: []string{"-c", "sleep 30"}, SandboxDir: rec.SandboxDir}
	require.NoError(t, p.Launch(context.Background(), sleeper, func(_ context.Context, _ string, code int, _ string) {
		exited <- code
	}))

	out, err = runCLI(t, "jobs", "kill", rec.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "KILLED")

	select {
	case code := <-exited:
		assert.NotEqual(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("kill did not reach the job process")
	}
}

func TestJobsListPaging(t *testing.T) {
	dir := cliEnv(t)
	t.Setenv("JOBNIMBUS_LAUNCHER", "noop")
	t.Setenv("JOBNIMBUS_MAX_LIST_LIMIT", "2")
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		reqFile := filepath.Join(dir, id+".yaml")
		require.NoError(t, os.WriteFile(reqFile, []byte("id: "+id+"\ncommand: /bin/true\nclusterCriteria:\n  - tags: [batch]\n"), 0o644))
		_, err := runCLI(t, "jobs", "submit", "-f", reqFile)
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	for page := 0; page < 3; page++ {
		out, err := runCLI(t, "jobs", "list", "--json", "--limit", "5", "--page", strconv.Itoa(page))
		require.NoError(t, err)
		var recs []*jobs.Record
		require.NoError(t, json.Unmarshal([]byte(out), &recs))
		for _, r := range recs {
			assert.False(t, seen[r.ID], "%s listed twice", r.ID)
			seen[r.ID] = true
		}
	}
	assert.Len(t, seen, 5)

	_, err := runCLI(t, "jobs", "list", "--limit", "2", "--page=-1")
	var ce *cliError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, exitInvalidArgument, ce.code)
}

func TestJobsStatusMissing(t *testing.T) {
	cliEnv(t)

	_, err := runCLI(t, "jobs", "status", "nope")
	require.Error(t, err)
	var ce *cliError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, exitFileNotFound, ce.code)
}

func TestJobsListBadStatus(t *testing.T) {
	cliEnv(t)

	_, err := runCLI(t, "jobs", "list", "--status", "DONE")
	require.Error(t, err)
}

func TestReadRequestJSON(t *testing.T) {
	p := filepath.Join(t.TempDir(), "req.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"command":"run.sh","clusterCriteria":[{"tags":["a"]}],"args":["-x"]}`), 0o644))

	req, err := readRequest(p)
	require.NoError(t, err)
	assert.Equal(t, "run.sh", req.Command)
	assert.Equal(t, []string{"-x"}, req.Args)
	assert.Equal(t, []string{"a"}, req.ClusterCriteria[0].Tags)

	_, err = readRequest(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestTransferCommands(t *testing.T) {
	dir := cliEnv(t)

	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	pushed := filepath.Join(dir, "remote", "copy.txt")
	_, err := runCLI(t, "transfer", "push", src, "file://"+pushed)
	require.NoError(t, err)

	fetched := filepath.Join(dir, "fetched.txt")
	_, err = runCLI(t, "transfer", "fetch", "file://"+pushed, fetched)
	require.NoError(t, err)
	b, err := os.ReadFile(fetched)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))

	out, err := runCLI(t, "transfer", "stat", "file://"+pushed)
	require.NoError(t, err)
	assert.Contains(t, out, pushed)

	_, err = runCLI(t, "transfer", "stat", "gopher://host/x")
	var ce *cliError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, exitInvalidArgument, ce.code)
}

func TestExitErrorMessage(t *testing.T) {
	err := exitError(exitInvalidArgument, "Invalid URI", assert.AnError)
	assert.Contains(t, err.Error(), "Invalid URI")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, exitError(exitGeneric, "boom", nil).Error(), "boom")
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "jobnimbus")
	assert.Contains(t, out, versionInfo.Version)
}
