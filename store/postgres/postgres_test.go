package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentxhq/agentrun/store"
)

// Environment overrides for running against a real database:
// POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD, POSTGRES_DB
func testConfig() *Config {
	config := DefaultConfig()
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		config.Host = host
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &config.Port)
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		config.User = user
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		config.Password = password
	}
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		config.Database = db
	}
	return config
}

func skipIfNoPostgres(t *testing.T) store.Store {
	s, err := NewPostgresStore(testConfig())
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
		return nil
	}
	return s
}

func TestConfigValidate(t *testing.T) {
	assert.Nil(t, DefaultConfig().Validate())

	c := DefaultConfig()
	c.Host = ""
	assert.NotNil(t, c.Validate())

	c = DefaultConfig()
	c.Port = 0
	assert.NotNil(t, c.Validate())
	c.Port = 70000
	assert.NotNil(t, c.Validate())

	c = DefaultConfig()
	c.User = ""
	assert.NotNil(t, c.Validate())

	c = DefaultConfig()
	c.Database = ""
	assert.NotNil(t, c.Validate())
}

func TestConfigDSN(t *testing.T) {
	c := &Config{Host: "db", Port: 5433, User: "agent", Password: "pw", Database: "runs", SSLMode: "require"}
	assert.Equal(t, "host=db port=5433 user=agent password=pw dbname=runs sslmode=require", c.DSN())
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	s := skipIfNoPostgres(t)
	if s == nil {
		return
	}
	if closer, ok := s.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	ctx := context.Background()

	assert.Nil(t, s.Set(ctx, "/run/", "r1", []byte(`{"a":1}`)))
	assert.Nil(t, s.Set(ctx, "/run/", "r2", []byte(`{"a":2}`)))

	b, err := s.Get(ctx, "/run/", "r1")
	assert.Nil(t, err)
	assert.Equal(t, []byte(`{"a":1}`), b)

	// overwrite
	assert.Nil(t, s.Set(ctx, "/run/", "r1", []byte(`{"a":3}`)))
	b, err = s.Get(ctx, "/run/", "r1")
	assert.Nil(t, err)
	assert.Equal(t, []byte(`{"a":3}`), b)

	// missing keys come back empty, not as errors
	b, err = s.Get(ctx, "/run/", "ghost")
	assert.Nil(t, err)
	assert.Nil(t, b)

	keys := make([]string, 0)
	assert.Nil(t, s.List(ctx, "/run/", func(key string) bool {
		keys = append(keys, key)
		return true
	}))
	assert.Contains(t, keys, "r1")
	assert.Contains(t, keys, "r2")

	assert.Nil(t, s.Remove(ctx, "/run/", "r1"))
	assert.Nil(t, s.Remove(ctx, "/run/", "r2"))
}
