package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadXML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.xml")
	require.NoError(t, os.WriteFile(path, []byte(`<config>
  <MainRouter>:9000</MainRouter>
  <driver>postgres</driver>
  <host>db</host>
  <port>5432</port>
  <user>georef</user>
  <password>secret</password>
  <dbname>maps</dbname>
  <workers>4</workers>
</config>`), 0o644))

	require.NoError(t, Load(path))
	assert.Equal(t, ":9000", MainRouter)
	assert.Equal(t, 4, MainConfig.Workers)
	assert.Equal(t, "memory", MainConfig.Queue)
	assert.Equal(t, "host=db user=georef password=secret dbname=maps port=5432 sslmode=disable TimeZone=UTC", DSN)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "georef.yaml")
	require.NoError(t, os.WriteFile(path, []byte("main_router: \":7000\"\nqueue: redis\nredis: localhost:6379\nstorage: mem://\n"), 0o644))

	require.NoError(t, Load(path))
	assert.Equal(t, ":7000", MainRouter)
	assert.Equal(t, "redis", MainConfig.Queue)
	assert.Equal(t, "mem://", Storage)
	assert.Equal(t, "sqlite", MainConfig.Driver)
	assert.Equal(t, "georef.db", MainConfig.SQLite)
}

func TestLoadMissingFile(t *testing.T) {
	assert.Error(t, Load(filepath.Join(t.TempDir(), "nope.xml")))
}
