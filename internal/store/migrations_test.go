package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	all, err := loadMigrations()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].Version)
	assert.Equal(t, "initial_schema", all[0].Name)
	assert.Equal(t, 2, all[1].Version)
	assert.Equal(t, "state_indexes", all[1].Name)
	assert.Contains(t, all[0].SQL, "CREATE TABLE IF NOT EXISTS chains")
}

func TestParseMigrationName(t *testing.T) {
	m, err := parseMigrationName("010_add_tags.sql")
	require.NoError(t, err)
	assert.Equal(t, 10, m.Version)
	assert.Equal(t, "add_tags", m.Name)

	for _, bad := range []string{"initial.sql", "x_initial.sql", "000_zero.sql", "001_initial.txt"} {
		_, err := parseMigrationName(bad)
		assert.Error(t, err, bad)
	}
}

func TestSQLStatements(t *testing.T) {
	script := `-- header; with a semicolon
CREATE TABLE a (id INTEGER);

-- trailing comment
CREATE INDEX i ON a (id);
`
	assert.Equal(t, []string{
		"CREATE TABLE a (id INTEGER)",
		"CREATE INDEX i ON a (id)",
	}, sqlStatements(script))
	assert.Empty(t, sqlStatements("-- only a comment\n"))
}
