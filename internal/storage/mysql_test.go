package storage

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// 不建真实连接，只验证回调注册本身
func newCallbackTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	sqlDB, err := sql.Open("mysql", "user:pass@tcp(127.0.0.1:3306)/intake_test?parseTime=True")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)
	return db
}

func TestGormTracingPluginRegistersAllCallbacks(t *testing.T) {
	db := newCallbackTestDB(t)

	require.NoError(t, db.Use(NewGormTracingPlugin("intake_test")))

	cb := db.Callback()
	assert.NotNil(t, cb.Create().Get("otel:before_create"))
	assert.NotNil(t, cb.Create().Get("otel:after_create"))
	assert.NotNil(t, cb.Query().Get("otel:before_query"))
	assert.NotNil(t, cb.Query().Get("otel:after_query"))
	assert.NotNil(t, cb.Update().Get("otel:before_update"))
	assert.NotNil(t, cb.Update().Get("otel:after_update"))
	assert.NotNil(t, cb.Delete().Get("otel:before_delete"))
	assert.NotNil(t, cb.Delete().Get("otel:after_delete"))
	assert.NotNil(t, cb.Row().Get("otel:before_row"))
	assert.NotNil(t, cb.Row().Get("otel:after_row"))
	assert.NotNil(t, cb.Raw().Get("otel:before_raw"))
	assert.NotNil(t, cb.Raw().Get("otel:after_raw"))
}
