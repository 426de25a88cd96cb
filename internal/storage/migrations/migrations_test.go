package migrations

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	sql := `
-- header comment
CREATE TABLE a (x String);

CREATE TABLE b (y String) ENGINE = MergeTree() ORDER BY y;
`
	stmts, err := splitStatements(sql)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x String)", stmts[0])
	assert.Contains(t, stmts[1], "ORDER BY y")
}

func TestSplitStatements_RejectsSemicolonInLiteral(t *testing.T) {
	_, err := splitStatements(`INSERT INTO t VALUES ('a;b');`)
	assert.Error(t, err)

	_, err = splitStatements(`INSERT INTO t VALUES ('it''s');`)
	assert.NoError(t, err)
}

func TestDatabaseFromDSN(t *testing.T) {
	db, err := databaseFromDSN("clickhouse://default:@localhost:9000/custody")
	require.NoError(t, err)
	assert.Equal(t, "custody", db)

	_, err = databaseFromDSN("clickhouse://localhost:9000")
	assert.Error(t, err)
}

func TestEmbeddedMigrations(t *testing.T) {
	pg, err := sqlFiles(PostgresFS, "postgres")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_trade_archive.sql"}, pg)

	ch, err := sqlFiles(ClickhouseFS, "clickhouse")
	require.NoError(t, err)
	require.NotEmpty(t, ch)

	data, err := fs.ReadFile(ClickhouseFS, "clickhouse/"+ch[0])
	require.NoError(t, err)
	stmts, err := splitStatements(string(data))
	require.NoError(t, err)
	assert.Len(t, stmts, 1)
}
