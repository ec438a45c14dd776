package migration

import (
	"fmt"

	appconfig "github.com/BaSui01/autoagent/config"
	"go.uber.org/zap"
)

// NewMigratorFromConfig 按应用数据库配置创建迁移器
func NewMigratorFromConfig(dbCfg appconfig.DatabaseConfig, logger *zap.Logger) (*DefaultMigrator, error) {
	t, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}
	url := BuildDatabaseURL(t, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode)
	return NewMigrator(Config{DatabaseType: t, DatabaseURL: url}, logger)
}

// NewMigratorFromURL 使用显式连接串创建迁移器
func NewMigratorFromURL(dbType, dbURL string, logger *zap.Logger) (*DefaultMigrator, error) {
	t, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(Config{DatabaseType: t, DatabaseURL: dbURL}, logger)
}
