package main

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
)

func TestExecute(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		err      error
		wantCode int
		wantErr  string
	}{
		{name: "success", args: []string{"job"}, wantCode: 0},
		{name: "reported run failure is not repeated", args: []string{"job"}, err: fmt.Errorf("stage 3: %w", errRunFailed), wantCode: 1},
		{name: "other errors are printed", args: []string{"job"}, err: errors.New("failed to load config: bad yaml"), wantCode: 1, wantErr: "Error: failed to load config: bad yaml\n"},
		{name: "unknown command", args: []string{"nope"}, wantCode: 1, wantErr: `Error: unknown command "nope" for "dayrun"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCommand()
			root.AddCommand(&cobra.Command{
				Use: "job",
				RunE: func(cmd *cobra.Command, args []string) error {
					return tt.err
				},
			})

			var out, stderr bytes.Buffer
			root.SetOut(&out)
			root.SetErr(&out)
			root.SetArgs(tt.args)

			assert.Equal(t, tt.wantCode, execute(root, &stderr))
			if tt.wantErr == "" {
				assert.Empty(t, stderr.String())
			} else {
				assert.Contains(t, stderr.String(), tt.wantErr)
			}
			assert.NotContains(t, out.String(), "Error:")
		})
	}
}
