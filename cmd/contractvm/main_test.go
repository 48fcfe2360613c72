package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/contractvm/internal/testwasm"
	"github.com/fortiblox/contractvm/internal/types"
	"github.com/fortiblox/contractvm/pkg/sandbox"
	"github.com/fortiblox/contractvm/pkg/vm"
)

func TestLoadParams(t *testing.T) {
	t.Setenv("CONTRACTVM_BACKEND", "bolt")

	v, rest, err := getViper([]string{"--gas-limit", "5000", "inspect"})
	require.NoError(t, err)
	require.Equal(t, []string{"inspect"}, rest)

	p, err := loadParams(v)
	require.NoError(t, err)
	require.Equal(t, backendBolt, p.Backend)
	require.Equal(t, uint64(5000), p.GasLimit)
	require.Equal(t, vm.DefaultCallTimeout, p.CallTimeout)

	v, _, err = getViper([]string{"--call-timeout", "250ms"})
	require.NoError(t, err)
	p, err = loadParams(v)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, p.CallTimeout)

	v, _, err = getViper([]string{"--call-timeout", "0s"})
	require.NoError(t, err)
	_, err = loadParams(v)
	require.Error(t, err)

	v, _, err = getViper([]string{"--backend", "leveldb"})
	require.NoError(t, err)
	_, err = loadParams(v)
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	log, err := newLogger("debug")
	require.NoError(t, err)
	require.NotNil(t, log)

	_, err = newLogger("loud")
	require.Error(t, err)
}

func TestRunCommands(t *testing.T) {
	for _, backend := range []string{backendBadger, backendBolt} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			wasm := filepath.Join(dir, "counter.wasm")
			require.NoError(t, os.WriteFile(wasm, testwasm.Counter, 0o644))

			flags := []string{"--data-dir", filepath.Join(dir, "data"), "--backend", backend, "--log-level", "error"}
			cmd := func(args ...string) error {
				return run(append(append([]string(nil), flags...), args...))
			}

			id := types.ContractIDForCode(testwasm.Counter).String()
			require.NoError(t, cmd("deploy", wasm))
			require.NoError(t, cmd("transact", id))
			require.NoError(t, cmd("query", id, "00"))
			require.NoError(t, cmd("inspect"))
			require.NoError(t, cmd("inspect", id))

			snap := filepath.Join(dir, "state.snap")
			require.NoError(t, cmd("persist", snap))
			require.NoError(t, cmd("restore", snap))

			require.Error(t, cmd("query", id, "zz"))
			require.Error(t, cmd("frobnicate"))
			require.ErrorIs(t, cmd(), errUsage)
		})
	}
}

func TestRunInterruptsLoopingContract(t *testing.T) {
	dir := t.TempDir()
	wasm := filepath.Join(dir, "loop.wasm")
	require.NoError(t, os.WriteFile(wasm, testwasm.Loop, 0o644))

	flags := []string{"--data-dir", filepath.Join(dir, "data"), "--log-level", "error", "--call-timeout", "50ms"}
	cmd := func(args ...string) error {
		return run(append(append([]string(nil), flags...), args...))
	}

	id := types.ContractIDForCode(testwasm.Loop).String()
	require.NoError(t, cmd("deploy", wasm))
	require.ErrorIs(t, cmd("transact", id), sandbox.ErrInterrupted)
	require.ErrorIs(t, cmd("query", id), sandbox.ErrInterrupted)
	require.NoError(t, cmd("inspect", id))
}
