package migrations

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_OrdersAndSkipsBlank(t *testing.T) {
	fsys := fstest.MapFS{
		"pg/002_indexes.sql":  {Data: []byte("CREATE INDEX a ON t (x);")},
		"pg/001_tables.sql":   {Data: []byte("CREATE TABLE t (x INT);")},
		"pg/003_empty.sql":    {Data: []byte("  \n")},
		"pg/README.md":        {Data: []byte("not sql")},
		"pg/nested/004_x.sql": {Data: []byte("SELECT 1;")},
	}

	got, err := load(fsys, "pg")
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "001_tables", got[0].Version)
	assert.Equal(t, "002_indexes", got[1].Version)
	assert.Equal(t, "CREATE TABLE t (x INT);", got[0].SQL)
}

func TestLoad_MissingDir(t *testing.T) {
	_, err := load(fstest.MapFS{}, "pg")
	assert.Error(t, err)
}

func TestPending(t *testing.T) {
	all := []Migration{{Version: "001"}, {Version: "002"}, {Version: "003"}}

	got := pending(all, map[string]bool{"001": true, "003": true})
	assert.Equal(t, []Migration{{Version: "002"}}, got)
	assert.Empty(t, pending(all, map[string]bool{"001": true, "002": true, "003": true}))
}

func TestEmbeddedMigrations(t *testing.T) {
	pg, err := load(PostgresFS, "postgres")
	require.NoError(t, err)
	require.NotEmpty(t, pg)
	assert.Equal(t, "001_escrow_ledger", pg[0].Version)

	ch, err := load(ClickhouseFS, "clickhouse")
	require.NoError(t, err)
	require.NotEmpty(t, ch)
	for _, m := range ch {
		assert.NoError(t, validateNoSemicolonInStrings(m.SQL), m.Version)
		assert.NotEmpty(t, splitStatements(m.SQL), m.Version)
	}
}

func TestSplitStatements(t *testing.T) {
	sql := "-- header\nCREATE TABLE a (x UInt8);\n\n-- second\nCREATE TABLE b (y UInt8)\nENGINE = Memory;\n"
	assert.Equal(t, []string{
		"CREATE TABLE a (x UInt8)",
		"CREATE TABLE b (y UInt8)\nENGINE = Memory",
	}, splitStatements(sql))
}

func TestValidateNoSemicolonInStrings(t *testing.T) {
	assert.NoError(t, validateNoSemicolonInStrings("SELECT 'it''s'; SELECT 2;"))
	assert.Error(t, validateNoSemicolonInStrings("SELECT 'a;b';"))
}

func TestDatabaseFromDSN(t *testing.T) {
	db, err := databaseFromDSN("clickhouse://user:pw@localhost:9000/escrow")
	require.NoError(t, err)
	assert.Equal(t, "escrow", db)

	_, err = databaseFromDSN("clickhouse://localhost:9000")
	assert.Error(t, err)
}
