package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/shan-hee/easyssh/internal/config"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	if dbDir := filepath.Dir(dbPath); dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	logLevel := logger.Warn
	if config.Cfg.Production() {
		logLevel = logger.Error
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&User{}, &Setting{}, &AIUsageDay{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Settings store: (userID, category) → value. User id 0 holds
// server-generated secrets.

func GetSetting(userID uint, category string) (string, error) {
	var s Setting
	if err := DB.Where("user_id = ? AND category = ?", userID, category).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(userID uint, category, value string) error {
	return DB.Where("user_id = ? AND category = ?", userID, category).
		Assign(Setting{Value: value}).
		FirstOrCreate(&Setting{UserID: userID, Category: category}).Error
}

func DeleteSetting(userID uint, category string) error {
	return DB.Where("user_id = ? AND category = ?", userID, category).Delete(&Setting{}).Error
}

// User helpers

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

func UpdateUserPassword(id uint, passwordHash string) error {
	return DB.Model(&User{}).Where("id = ?", id).Update("password_hash", passwordHash).Error
}

func UserCount() (int64, error) {
	var count int64
	err := DB.Model(&User{}).Count(&count).Error
	return count, err
}

// Usage accounting

// AddUsage folds one request into the user's row for the given UTC day.
func AddUsage(userID uint, day string, inputTokens, outputTokens, costMicro int64) error {
	return DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"requests":      gorm.Expr("requests + 1"),
			"input_tokens":  gorm.Expr("input_tokens + ?", inputTokens),
			"output_tokens": gorm.Expr("output_tokens + ?", outputTokens),
			"cost_micro":    gorm.Expr("cost_micro + ?", costMicro),
			"updated_at":    time.Now(),
		}),
	}).Create(&AIUsageDay{
		UserID:       userID,
		Day:          day,
		Requests:     1,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostMicro:    costMicro,
	}).Error
}

// GetUsageDays returns the user's per-day rows newer than since, most recent first.
func GetUsageDays(userID uint, since string) ([]AIUsageDay, error) {
	var days []AIUsageDay
	if err := DB.Where("user_id = ? AND day >= ?", userID, since).
		Order("day DESC").Find(&days).Error; err != nil {
		return nil, err
	}
	return days, nil
}

// PruneUsage deletes rows for days older than the cutoff ("2006-01-02").
func PruneUsage(cutoff string) (int64, error) {
	res := DB.Where("day < ?", cutoff).Delete(&AIUsageDay{})
	return res.RowsAffected, res.Error
}
