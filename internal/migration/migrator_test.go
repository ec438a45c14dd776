package migration

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	appconfig "github.com/BaSui01/autoagent/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseDatabaseType(t *testing.T) {
	tests := []struct {
		in      string
		want    DatabaseType
		wantErr bool
	}{
		{"postgres", DatabaseTypePostgres, false},
		{"PostgreSQL", DatabaseTypePostgres, false},
		{"pg", DatabaseTypePostgres, false},
		{"mysql", DatabaseTypeMySQL, false},
		{"mariadb", DatabaseTypeMySQL, false},
		{" sqlite3 ", DatabaseTypeSQLite, false},
		{"oracle", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDatabaseType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildDatabaseURL(t *testing.T) {
	assert.Equal(t,
		"postgres://u:p@db:5432/kb?sslmode=disable",
		BuildDatabaseURL(DatabaseTypePostgres, "db", 5432, "kb", "u", "p", ""))
	assert.Equal(t,
		"postgres://u:p@db:5432/kb?sslmode=require",
		BuildDatabaseURL(DatabaseTypePostgres, "db", 5432, "kb", "u", "p", "require"))
	assert.Equal(t,
		"u:p@tcp(db:3306)/kb?parseTime=true&multiStatements=true",
		BuildDatabaseURL(DatabaseTypeMySQL, "db", 3306, "kb", "u", "p", ""))
	assert.Equal(t,
		"file:kb.db?mode=rwc&_foreign_keys=on",
		BuildDatabaseURL(DatabaseTypeSQLite, "", 0, "kb.db", "", "", ""))
	assert.Empty(t, BuildDatabaseURL("oracle", "db", 1, "kb", "u", "p", ""))
}

func TestEmbeddedMigrations(t *testing.T) {
	for _, dbType := range []DatabaseType{DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypeSQLite} {
		t.Run(string(dbType), func(t *testing.T) {
			files, err := listMigrations(dbType)
			require.NoError(t, err)
			require.Len(t, files, 2)
			assert.Equal(t, uint(1), files[0].version)
			assert.Equal(t, "create_knowledge_nodes", files[0].name)
			assert.Equal(t, uint(2), files[1].version)
			assert.Equal(t, "create_knowledge_relationships", files[1].name)

			// 每个 up 都有对应的 down
			entries, err := fs.ReadDir(migrationsFS, sourceDir(dbType))
			require.NoError(t, err)
			names := make(map[string]bool, len(entries))
			for _, e := range entries {
				names[e.Name()] = true
			}
			for name := range names {
				if strings.HasSuffix(name, ".up.sql") {
					assert.True(t, names[strings.TrimSuffix(name, ".up.sql")+".down.sql"], name)
				}
			}
		})
	}

	_, err := listMigrations("oracle")
	assert.Error(t, err)
}

func TestNewMigrator_InvalidConfig(t *testing.T) {
	_, err := NewMigrator(Config{DatabaseType: DatabaseTypeSQLite}, nil)
	assert.Error(t, err)

	_, err = NewMigrator(Config{DatabaseType: "oracle", DatabaseURL: "x"}, nil)
	assert.Error(t, err)

	_, err = NewMigratorFromConfig(appconfig.DatabaseConfig{Driver: "oracle"}, nil)
	assert.Error(t, err)
}

func TestMigrator_SQLiteRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping sqlite integration test in short mode")
	}
	dbPath := filepath.Join(t.TempDir(), "kb.db")
	m, err := NewMigratorFromURL("sqlite", BuildDatabaseURL(DatabaseTypeSQLite, "", 0, dbPath, "", "", ""), zap.NewNop())
	if err != nil && strings.Contains(err.Error(), "CGO_ENABLED") {
		t.Skip("sqlite3 driver requires cgo")
	}
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	v, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)

	require.NoError(t, m.Up(ctx))
	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), info.CurrentVersion)
	assert.Equal(t, 2, info.AppliedMigrations)
	assert.Equal(t, 0, info.PendingMigrations)

	// 重复 Up 不报错
	require.NoError(t, m.Up(ctx))

	require.NoError(t, m.Down(ctx))
	v, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.True(t, status[0].Applied)
	assert.False(t, status[1].Applied)

	require.NoError(t, m.Reset(ctx))
	v, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
}

// =============================================================================
// CLI
// =============================================================================

type fakeMigrator struct {
	version  uint
	dirty    bool
	upErr    error
	statuses []MigrationStatus
	forced   int
}

func (f *fakeMigrator) Up(context.Context) error {
	if f.upErr != nil {
		return f.upErr
	}
	f.version = 2
	return nil
}
func (f *fakeMigrator) Down(context.Context) error                  { f.version--; return nil }
func (f *fakeMigrator) Reset(context.Context) error                 { f.version = 0; return nil }
func (f *fakeMigrator) Goto(_ context.Context, v uint) error        { f.version = v; return nil }
func (f *fakeMigrator) Force(_ context.Context, v int) error        { f.forced = v; return nil }
func (f *fakeMigrator) Version(context.Context) (uint, bool, error) { return f.version, f.dirty, nil }
func (f *fakeMigrator) Status(context.Context) ([]MigrationStatus, error) {
	return f.statuses, nil
}
func (f *fakeMigrator) Info(context.Context) (*MigrationInfo, error) { return &MigrationInfo{}, nil }
func (f *fakeMigrator) Close() error                                 { return nil }

func newTestCLI(m Migrator) (*CLI, *bytes.Buffer) {
	var buf bytes.Buffer
	c := NewCLI(m)
	c.SetOutput(&buf)
	return c, &buf
}

func TestCLI_Up(t *testing.T) {
	c, buf := newTestCLI(&fakeMigrator{})
	require.NoError(t, c.RunUp(context.Background()))
	assert.Contains(t, buf.String(), "Migrations applied.")
	assert.Contains(t, buf.String(), "Current version: 2")
}

func TestCLI_UpError(t *testing.T) {
	c, buf := newTestCLI(&fakeMigrator{upErr: errors.New("boom")})
	assert.EqualError(t, c.RunUp(context.Background()), "boom")
	assert.Empty(t, buf.String())
}

func TestCLI_VersionStates(t *testing.T) {
	c, buf := newTestCLI(&fakeMigrator{})
	require.NoError(t, c.RunVersion(context.Background()))
	assert.Contains(t, buf.String(), "No migrations applied yet.")

	c, buf = newTestCLI(&fakeMigrator{version: 1, dirty: true})
	require.NoError(t, c.RunVersion(context.Background()))
	assert.Contains(t, buf.String(), "Current version: 1 (dirty)")
}

func TestCLI_DownResetGotoForce(t *testing.T) {
	f := &fakeMigrator{version: 2}
	c, buf := newTestCLI(f)
	ctx := context.Background()

	require.NoError(t, c.RunDown(ctx))
	assert.Equal(t, uint(1), f.version)

	require.NoError(t, c.RunGoto(ctx, 2))
	assert.Contains(t, buf.String(), "Migrated to version 2.")

	require.NoError(t, c.RunForce(ctx, 1))
	assert.Equal(t, 1, f.forced)

	require.NoError(t, c.RunReset(ctx))
	assert.Equal(t, uint(0), f.version)
	assert.Contains(t, buf.String(), "All migrations rolled back.")
}

func TestCLI_Status(t *testing.T) {
	c, buf := newTestCLI(&fakeMigrator{statuses: []MigrationStatus{
		{Version: 1, Name: "create_knowledge_nodes", Applied: true},
		{Version: 2, Name: "create_knowledge_relationships"},
	}})
	require.NoError(t, c.RunStatus(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "000001")
	assert.Contains(t, out, "applied")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "Total: 2, Applied: 1, Pending: 1")

	c, buf = newTestCLI(&fakeMigrator{})
	require.NoError(t, c.RunStatus(context.Background()))
	assert.Contains(t, buf.String(), "No migrations found.")
}
