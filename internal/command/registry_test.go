package command_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/danhigham/telefleet/internal/command"
)

func writeModule(t *testing.T, dir, file, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(body), 0600))
}

const pingModule = `return {
  name = "Ping",
  alias = { "P", "pong" },
  description = "replies pong",
  run = function(ctx, args) reply("pong") end,
}`

func nop() command.Handler {
	return command.HandlerFunc(func(context.Context, *command.Invocation) error { return nil })
}

func TestRegistry_ResolveIgnoresCase(t *testing.T) {
	r := command.NewRegistry(zap.NewNop())
	menu := &command.Descriptor{Name: "menu", Aliases: []string{"Help", "h"}, Handler: nop()}
	r.Replace(menu)

	for _, name := range []string{"menu", "MENU", "Menu", "help", "HELP", "h", "H"} {
		d, ok := r.Resolve(name)
		require.True(t, ok, name)
		assert.Same(t, menu, d, name)
	}

	_, ok := r.Resolve("weather")
	assert.False(t, ok)
}

func TestRegistry_LaterWins(t *testing.T) {
	r := command.NewRegistry(zap.NewNop())
	first := &command.Descriptor{Name: "a", Aliases: []string{"x"}, Handler: nop()}
	second := &command.Descriptor{Name: "b", Aliases: []string{"X"}, Handler: nop()}
	r.Replace(first, second)

	d, ok := r.Resolve("x")
	require.True(t, ok)
	assert.Same(t, second, d)

	d, ok = r.Resolve("a")
	require.True(t, ok)
	assert.Same(t, first, d)
}

func TestRegistry_List(t *testing.T) {
	r := command.NewRegistry(zap.NewNop())
	r.Replace(
		&command.Descriptor{Name: "zeta", Aliases: []string{"z"}, Handler: nop()},
		&command.Descriptor{Name: "alpha", Handler: nop()},
	)

	var names []string
	for _, d := range r.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"alpha", "zeta"}, names)
}

func TestRegistry_LoadSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "ping.lua", pingModule)
	writeModule(t, dir, "noname.lua", `return { run = function() end }`)
	writeModule(t, dir, "norun.lua", `return { name = "norun" }`)
	writeModule(t, dir, "notable.lua", `return 42`)
	writeModule(t, dir, "syntax.lua", `return {`)
	writeModule(t, dir, "boom.lua", `error("boom")`)
	writeModule(t, dir, "readme.txt", `not a module`)

	r := command.NewRegistry(zap.NewNop())
	n, err := r.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, ok := r.Resolve("PONG")
	require.True(t, ok)
	assert.Equal(t, "ping", d.Name)
	assert.Equal(t, []string{"p", "pong"}, d.Aliases)
	assert.Equal(t, "replies pong", d.Description)
	assert.Equal(t, filepath.Join(dir, "ping.lua"), d.Source)

	for _, name := range []string{"noname", "norun", "notable", "syntax", "boom"} {
		_, ok := r.Resolve(name)
		assert.False(t, ok, name)
	}
}

func TestRegistry_LoadLexicalOrderLastWins(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.lua", `return { name = "dup", description = "first", run = function() end }`)
	writeModule(t, dir, "b.lua", `return { name = "dup", description = "second", run = function() end }`)

	r := command.NewRegistry(zap.NewNop())
	_, err := r.Load(dir)
	require.NoError(t, err)

	d, ok := r.Resolve("dup")
	require.True(t, ok)
	assert.Equal(t, "second", d.Description)
}

func TestRegistry_ReloadDropsRemovedModules(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "ping.lua", pingModule)
	writeModule(t, dir, "echo.lua", `return { name = "echo", run = function(ctx) return ctx.text end }`)

	r := command.NewRegistry(zap.NewNop())
	n, err := r.Load(dir)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, os.Remove(filepath.Join(dir, "ping.lua")))
	writeModule(t, dir, "weather.lua", `return { name = "weather", run = function() end }`)

	n, err = r.Reload()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, gone := range []string{"ping", "p", "pong"} {
		_, ok := r.Resolve(gone)
		assert.False(t, ok, gone)
	}
	for _, present := range []string{"echo", "weather"} {
		_, ok := r.Resolve(present)
		assert.True(t, ok, present)
	}
}

func TestRegistry_ReloadAfterDirRemoved(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "commands")
	require.NoError(t, os.Mkdir(dir, 0o755))
	writeModule(t, dir, "ping.lua", pingModule)

	r := command.NewRegistry(zap.NewNop())
	_, err := r.Load(dir)
	require.NoError(t, err)
	_, ok := r.Resolve("ping")
	require.True(t, ok)

	require.NoError(t, os.RemoveAll(dir))

	_, err = r.Reload()
	assert.Error(t, err)
	_, ok = r.Resolve("ping")
	assert.False(t, ok, "modules of a removed directory must not resolve")
	assert.Empty(t, r.List())
}

func TestRegistry_ReloadWithoutLoad(t *testing.T) {
	_, err := command.NewRegistry(zap.NewNop()).Reload()
	assert.Error(t, err)
}

func TestRegistry_ConcurrentResolveDuringReload(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "ping.lua", pingModule)

	r := command.NewRegistry(zap.NewNop())
	_, err := r.Load(dir)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				d, ok := r.Resolve("pong")
				if !ok || d.Name != "ping" {
					t.Errorf("resolve during reload: ok=%v", ok)
					return
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		_, err := r.Reload()
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}
