package toolkit

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoadsConfiguredTools(t *testing.T) {
	addr := startToolServer(t, &ticketTool{})
	script := writeScript(t, `function execute(step) return { success = true } end`)

	reg := NewRegistry()
	l := NewLoader(reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(l.StopAll)

	err := l.LoadAll(context.Background(), []Entry{
		{Name: "crm", Kind: KindLua, Path: script, Enabled: true},
		{Name: "jira", Kind: KindTCP, Address: addr.String(), Description: "ops tickets", Enabled: true},
		{Name: "docusign", Kind: KindTCP, Address: "127.0.0.1:1", Enabled: false},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"crm", InternalTool, "jira"}, reg.Names())

	jira, ok := reg.Capability("jira")
	require.True(t, ok)
	assert.Equal(t, "ops tickets", jira.Description)
	assert.True(t, jira.Rollback)
	assert.Equal(t, KindTCP, jira.Kind)

	crm, ok := reg.Capability("crm")
	require.True(t, ok)
	assert.True(t, crm.Rollback)

	_, ok = reg.Capability("docusign")
	assert.False(t, ok)

	require.NoError(t, l.Unload("jira"))
	_, ok = reg.Executor("jira")
	assert.False(t, ok)
	assert.Error(t, l.Unload("jira"))
}

func TestLoaderReportsEveryFailure(t *testing.T) {
	reg := NewRegistry()
	l := NewLoader(reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(l.StopAll)

	err := l.LoadAll(context.Background(), []Entry{
		{Name: "fax", Kind: "carrier-pigeon", Enabled: true},
		{Name: "crm", Kind: KindLua, Path: "/nonexistent/crm.lua", Enabled: true},
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, `fax: unsupported tool kind "carrier-pigeon"`)
	assert.ErrorContains(t, err, "crm:")
	assert.Equal(t, []string{InternalTool}, reg.Names())
}

func TestLoaderKeepsToolDescriptionWhenUnconfigured(t *testing.T) {
	addr := startToolServer(t, &ticketTool{})
	l := NewLoader(NewRegistry(), nil)
	t.Cleanup(l.StopAll)

	require.NoError(t, l.Load(context.Background(), Entry{Name: "jira", Kind: KindTCP, Address: addr.String(), Enabled: true}))
	jira, ok := l.registry.Capability("jira")
	require.True(t, ok)
	assert.Equal(t, "ticket tracker", jira.Description)
}

func TestLoaderRejectsDuplicates(t *testing.T) {
	script := writeScript(t, `function execute(step) return { success = true } end`)
	reg := NewRegistry()
	l := NewLoader(reg, nil)
	t.Cleanup(l.StopAll)

	require.NoError(t, l.Load(context.Background(), Entry{Name: "crm", Kind: KindLua, Path: script, Enabled: true}))
	assert.ErrorContains(t, l.Load(context.Background(), Entry{Name: "crm", Kind: KindLua, Path: script, Enabled: true}), "already loaded")

	err := l.Load(context.Background(), Entry{Name: InternalTool, Kind: KindLua, Path: script, Enabled: true})
	assert.ErrorContains(t, err, "already registered")
}
