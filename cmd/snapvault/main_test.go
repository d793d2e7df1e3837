package main

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/MacJediWizard/snapvault/internal/scrape"
	"github.com/MacJediWizard/snapvault/internal/usage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LIMITS_FILE", "")
	t.Setenv("DATABASE_URL", "")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestEstimateCmd(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "defaults",
			args: []string{"estimate"},
			want: []string{"$1.00", "800 items (ceiling)", "$0.32"},
		},
		{
			name: "small request",
			args: []string{"estimate", "--timeline", "100"},
			want: []string{"100 items (requested)"},
		},
		{
			name: "budget bound",
			args: []string{"estimate", "--budget", "0.10"},
			want: []string{"$0.10", "250 items (budget)"},
		},
		{
			name: "with social",
			args: []string{"estimate", "--social"},
			want: []string{"Social:", "2000 items (ceiling)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestEstimateCmdBudgetExceeded(t *testing.T) {
	_, err := execute(t, "estimate", "--monthly-remaining", "0.01")
	var exceeded *scrape.BudgetExceededError
	require.True(t, errors.As(err, &exceeded), "got %v", err)
}

func TestDatabaseCommandsNeedURL(t *testing.T) {
	_, err := execute(t, "usage", "--user", uuid.NewString())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestInvalidUserID(t *testing.T) {
	_, err := execute(t, "usage", "--user", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --user")
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "snapvault dev")
}

func TestWriteUsage(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	writeUsage(cmd, &usage.UserSummary{
		PayloadBytes: 2048,
		MediaBytes:   3 << 20,
		MediaObjects: 4,
		TotalBytes:   2048 + 3<<20,
		Backups:      []usage.BackupUsage{{}, {}},
	})

	s := out.String()
	assert.Contains(t, s, "2.0 KiB")
	assert.Contains(t, s, "3.0 MiB")
	assert.Contains(t, s, "(4 objects)")
}

func TestWriteJobs(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := models.NewBackupJob(uuid.New(), models.JobKindSnapshotScrape, "Waiting to start", now.Add(-2*time.Hour))

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	writeJobs(cmd, []*models.BackupJob{job}, now)

	assert.Contains(t, out.String(), job.ID.String())
	assert.Contains(t, out.String(), "2 hours ago")
	assert.Contains(t, out.String(), "Waiting to start")
}
