package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"safekey-licensing/pkg/config"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/viper"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB creates an in-memory SQLite database for testing purposes.
// It auto-migrates the provided models and ensures the underlying connection
// is closed when the test finishes.
func NewTestDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("failed to migrate test database: %v", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB from gorm: %v", err)
	}

	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}

// FixedClock returns a clock that always reports at.
func FixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at.UTC() }
}

// Clock is a settable test clock.
type Clock struct {
	At time.Time
}

func (c *Clock) Now() time.Time { return c.At.UTC() }

func (c *Clock) Advance(d time.Duration) { c.At = c.At.Add(d) }

// NewTestConfig loads the default configuration without reading a file from
// the package directory.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()

	v := viper.New()
	v.AddConfigPath(t.TempDir())
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("failed to load test config: %v", err)
	}
	return cfg
}

// NewTestNode returns a snowflake node for tests.
func NewTestNode(t *testing.T) *snowflake.Node {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}
	return node
}
