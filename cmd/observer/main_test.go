package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/utils/tests"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func Test_loadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "observer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
observer_address: from-file
arns_names: [file1, file2]
observed_gateway_hosts: [file.example]
`), 0o600))

	f, err := parseFlags([]string{
		"-config", path,
		"-arns-names", "a,b,c",
		"-reference-gateway", "ref.example",
		"-once",
	})
	require.NoError(t, err)
	assert.True(t, f.once)

	cfg, err := loadConfig(f, envMap(map[string]string{
		"OBSERVER_ADDRESS":       "from-env",
		"ARNS_NAMES":             "env1",
		"OBSERVED_GATEWAY_HOSTS": "env.example,other.example",
	}))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.ObserverAddress)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.ArNSNames, "flags win over env and file")
	assert.Equal(t, "ref.example", cfg.ReferenceGatewayHost)
	assert.Equal(t, []string{"env.example", "other.example"}, cfg.ObservedGatewayHosts)
}

func Test_run_InvalidConfig(t *testing.T) {
	var out bytes.Buffer
	err := run(tests.Context(t), []string{"-once"}, &out, envMap(nil))
	require.Error(t, err)
	assert.ErrorContains(t, err, "observer address is required")
	assert.Empty(t, out.String())

	err = run(tests.Context(t), []string{"-no-such-flag"}, &out, envMap(nil))
	assert.Error(t, err)
}

func Test_newApp(t *testing.T) {
	f, err := parseFlags(nil)
	require.NoError(t, err)
	cfg, err := loadConfig(f, envMap(map[string]string{
		"OBSERVER_ADDRESS": "wallet1",
		"ARNS_NAMES":       "a,b",
	}))
	require.NoError(t, err)
	cfg.Entropy.CachePath = filepath.Join(t.TempDir(), "entropy")

	a, err := newApp(cfg, logger.Test(t))
	require.NoError(t, err)
	assert.Equal(t, "wallet1", a.observer.ObserverAddress())
	assert.Equal(t, uint64(50), a.epochs.EpochLength())

	cfg.Report.Rule = "observed.ok &&"
	_, err = newApp(cfg, logger.Test(t))
	assert.ErrorContains(t, err, "invalid verdict rule")
}
