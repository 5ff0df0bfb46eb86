package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewImagesCmd_Structure(t *testing.T) {
	cmd := newImagesCmd()
	assert.Equal(t, "images", cmd.Name())

	sub, _, err := cmd.Find([]string{"lineage", "x"})
	require.NoError(t, err)
	assert.Equal(t, "lineage", sub.Name())
}

func TestRunImagesLineage_NoRecordsReturnsEmptyLists(t *testing.T) {
	cc := newTestCLIContext(t, true, false)

	cmd := &cobra.Command{}
	cmd.SetContext(contextWithCLI(cc))

	out := captureStdout(t, func() {
		require.NoError(t, runImagesLineage(cmd, []string{"registry.example.com/app:v1"}))
	})

	var decoded lineageOutput
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))

	assert.Empty(t, decoded.Ancestors)
	assert.Empty(t, decoded.Children)
}

func TestRunImagesLineage_ReportsParentAndChild(t *testing.T) {
	cc := newTestCLIContext(t, true, false)

	ctx := context.Background()

	parent, err := cc.Broker.GeneralCache.Put(ctx, "image", "base:v1", map[string]any{
		"is_import":    true,
		"registry_url": "registry.example.com",
		"tag":          "v1",
		"operation_id": "op-1",
	}, nil)
	require.NoError(t, err)

	_, err = cc.Broker.GeneralCache.Put(ctx, "image", "derived:v2", map[string]any{
		"parent_image": "base:v1",
		"operation_id": "op-2",
		"command":      "pip install numpy",
	}, &parent.ID)
	require.NoError(t, err)

	cmd := &cobra.Command{}
	cmd.SetContext(contextWithCLI(cc))

	out := captureStdout(t, func() {
		require.NoError(t, runImagesLineage(cmd, []string{"derived:v2"}))
	})

	var decoded lineageOutput
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))

	require.Len(t, decoded.Ancestors, 1)
	assert.Equal(t, "base:v1", decoded.Ancestors[0].Image)
	assert.True(t, decoded.Ancestors[0].IsImport)

	cmd2 := &cobra.Command{}
	cmd2.SetContext(contextWithCLI(cc))

	out2 := captureStdout(t, func() {
		require.NoError(t, runImagesLineage(cmd2, []string{"base:v1"}))
	})

	var decoded2 lineageOutput
	require.NoError(t, json.Unmarshal([]byte(out2), &decoded2))

	require.Len(t, decoded2.Children, 1)
	assert.Equal(t, "derived:v2", decoded2.Children[0].Image)
	assert.Equal(t, "pip install numpy", decoded2.Children[0].Command)
}
