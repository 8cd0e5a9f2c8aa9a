package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

const testFile = `
contexts:
  - id: prod
    name: Production
    data_sources:
      - id: pg-main
        name: main
        kind: postgresql
        host: db.internal
        port: 5432
        database: app
        username: app
        password: ${DSINSPECT_TEST_PG_PASSWORD}
        proxy:
          type: ssh
          ssh:
            host: bastion
            port: 22
            username: ops
            private_key_path: ~/.ssh/id_ed25519
            passphrase: ${DSINSPECT_TEST_PASSPHRASE}
        options:
          sslmode: disable
      - name: events
        kind: kafka
        host: kafka.internal
        port: 9092
        schema_registry_url: http://registry:8081
        options:
          schema_registry_username: reader
          schema_registry_password: ${DSINSPECT_TEST_SR_PASSWORD}
  - id: staging
    data_sources:
      - id: mysql-stage
        kind: mysql
        host: mysql.stage
        password: pa$$word
`

func TestParse(t *testing.T) {
	t.Setenv("DSINSPECT_TEST_PG_PASSWORD", "s3cret")
	t.Setenv("DSINSPECT_TEST_PASSPHRASE", "phrase")
	t.Setenv("DSINSPECT_TEST_SR_PASSWORD", "sr-pass")
	ctx := context.Background()

	r, err := Parse([]byte(testFile))
	require.NoError(t, err)

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	var ids []dsconn.ID
	for _, d := range all {
		ids = append(ids, d.ID)
		require.NoError(t, d.Validate())
	}
	require.Equal(t, []dsconn.ID{"mysql-stage", "pg-main", "prod/events"}, ids)

	prod, err := r.List(ctx, "prod")
	require.NoError(t, err)
	require.Len(t, prod, 2)
	none, err := r.List(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, none)

	pg, err := r.Get(ctx, "pg-main")
	require.NoError(t, err)
	require.Equal(t, dsconn.KindPostgreSQL, pg.Kind)
	require.Equal(t, "prod", pg.ContextID)
	require.Equal(t, "s3cret", pg.Password)
	require.Equal(t, dsconn.ProxySSH, pg.Proxy.Type)
	require.Equal(t, "phrase", pg.Proxy.SSH.Passphrase)
	require.Equal(t, "disable", pg.Options["sslmode"])

	events, err := r.Get(ctx, "prod/events")
	require.NoError(t, err)
	require.Equal(t, "http://registry:8081", events.SchemaRegistryURL)
	require.Equal(t, "sr-pass", events.Options[dsconn.OptionSchemaRegistryPassword])

	stage, err := r.Get(ctx, "mysql-stage")
	require.NoError(t, err)
	require.Equal(t, "pa$$word", stage.Password)

	_, err = r.Get(ctx, "nope")
	require.True(t, errors.Is(err, ErrNotFound))
	require.EqualError(t, err, "data source nope: data source not found")
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		input    string
		expected string
	}{
		{
			desc:     "invalid yaml",
			input:    "contexts: [",
			expected: "error parsing data sources",
		},
		{
			desc:     "context without id",
			input:    "contexts:\n  - name: x\n",
			expected: `context "x" must have an id`,
		},
		{
			desc: "duplicate id",
			input: `contexts:
  - id: a
    data_sources:
      - {id: x, kind: mysql, host: h}
  - id: b
    data_sources:
      - {id: x, kind: mysql, host: h}
`,
			expected: "duplicate data source id x",
		},
		{
			desc: "missing env var",
			input: `contexts:
  - id: a
    data_sources:
      - {id: x, kind: mysql, host: h, password: "${DSINSPECT_TEST_UNSET_VAR}"}
`,
			expected: "data source x: environment variable DSINSPECT_TEST_UNSET_VAR is not set",
		},
		{
			desc: "no id or name",
			input: `contexts:
  - id: a
    data_sources:
      - {kind: mysql, host: h}
`,
			expected: `data source "" in context "a" must have an id`,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := Parse([]byte(tc.input))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.expected)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte("contexts:\n  - id: a\n    data_sources:\n      - {id: x, kind: kafka, host: k}\n"), 0o600))
	r, err := LoadFile(path)
	require.NoError(t, err)
	d, err := r.Get(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, dsconn.KindKafka, d.Kind)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
