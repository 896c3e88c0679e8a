package autoindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nolood/coderag/internal/embed"
	"github.com/nolood/coderag/internal/project"
)

// newLocalProject creates a directory with a go.mod (so project.Detect
// resolves it as a Go project root) and a .coderag sidecar (so
// ResolveStorage picks Local over Global), plus a couple of source files
// to index.
func newLocalProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/x\n\ngo 1.22\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, project.SidecarDirName), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {\n\tprintln(\"hello world\")\n}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "util.go"), []byte("package main\n\nfunc add(a, b int) int {\n\treturn a + b\n}\n"), 0644))
	return dir
}

func newTestService() *Service {
	return &Service{Policy: OnMissingOrStale, Provider: embed.ProviderStatic}
}

func TestEnsure_FirstRun_BuildsIndexAndPersistsStores(t *testing.T) {
	dir := newLocalProject(t)
	svc := newTestService()

	handle, err := svc.Ensure(context.Background(), dir)
	require.NoError(t, err)
	defer func() { _ = handle.Close() }()

	assert.Greater(t, handle.Vector.Count(), 0)
	assert.NotNil(t, handle.Project)
	assert.True(t, handle.Location.Local != nil)

	storeDir := handle.Location.Dir()
	assert.FileExists(t, filepath.Join(storeDir, "metadata.db"))
	assert.FileExists(t, filepath.Join(storeDir, "index.lance"))
}

func TestEnsure_SecondRun_SkipsWhenConfigUnchanged(t *testing.T) {
	dir := newLocalProject(t)
	svc := newTestService()
	ctx := context.Background()

	first, err := svc.Ensure(ctx, dir)
	require.NoError(t, err)
	firstMeta, err := first.Metadata.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := svc.Ensure(ctx, dir)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()
	secondMeta, err := second.Metadata.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, firstMeta.LastUpdated, secondMeta.LastUpdated)
	assert.Equal(t, firstMeta.ConfigHash, secondMeta.ConfigHash)
}

func TestEnsure_PolicyNever_AbsentStoreReturnsError(t *testing.T) {
	dir := newLocalProject(t)
	svc := &Service{Policy: Never, Provider: embed.ProviderStatic}

	_, err := svc.Ensure(context.Background(), dir)
	assert.ErrorIs(t, err, ErrStoreAbsent)
}

func TestEnsure_PolicyNever_ExistingStoreSkips(t *testing.T) {
	dir := newLocalProject(t)
	ctx := context.Background()

	first, err := newTestService().Ensure(ctx, dir)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	svc := &Service{Policy: Never, Provider: embed.ProviderStatic}
	handle, err := svc.Ensure(ctx, dir)
	require.NoError(t, err)
	defer func() { _ = handle.Close() }()

	assert.Greater(t, handle.Vector.Count(), 0)
}

func TestEnsure_PolicyOnMissing_IgnoresConfigChange(t *testing.T) {
	dir := newLocalProject(t)
	ctx := context.Background()

	onMissingOrStale := &Service{Policy: OnMissingOrStale, Provider: embed.ProviderStatic}
	first, err := onMissingOrStale.Ensure(ctx, dir)
	require.NoError(t, err)
	firstMeta, err := first.Metadata.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Change the chunk size sidecar-side, which changes Hash() and would
	// trigger a rebuild under OnMissingOrStale.
	toml := "[indexer]\nchunk_size = 3000\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, project.SidecarDirName, "config.toml"), []byte(toml), 0644))

	onMissing := &Service{Policy: OnMissing, Provider: embed.ProviderStatic}
	second, err := onMissing.Ensure(ctx, dir)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()
	secondMeta, err := second.Metadata.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, firstMeta.ConfigHash, secondMeta.ConfigHash)
	assert.Equal(t, firstMeta.LastUpdated, secondMeta.LastUpdated)
}

func TestEnsure_ConfigChangeTriggersRebuildUnderDefaultPolicy(t *testing.T) {
	dir := newLocalProject(t)
	ctx := context.Background()
	svc := newTestService()

	first, err := svc.Ensure(ctx, dir)
	require.NoError(t, err)
	firstMeta, err := first.Metadata.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	toml := "[indexer]\nchunk_size = 3000\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, project.SidecarDirName, "config.toml"), []byte(toml), 0644))

	second, err := svc.Ensure(ctx, dir)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()
	secondMeta, err := second.Metadata.Load(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, firstMeta.ConfigHash, secondMeta.ConfigHash)
}

func TestExtensionsToGlobs(t *testing.T) {
	assert.Equal(t, []string{"*.go", "*.py"}, extensionsToGlobs([]string{".go", ".py"}))
	assert.Nil(t, extensionsToGlobs(nil))
}
