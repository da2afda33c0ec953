package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"codecollab/internal/models"
)

type roomRow struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Language  string
	Content   string      `gorm:"type:text"`
	Access    []accessRow `gorm:"foreignKey:RoomID;constraint:OnDelete:CASCADE"`
	UpdatedAt time.Time
}

func (roomRow) TableName() string { return "rooms" }

type accessRow struct {
	RoomID string `gorm:"primaryKey"`
	UserID string `gorm:"primaryKey"`
	Role   string
}

func (accessRow) TableName() string { return "room_access" }

type SQLRepository struct {
	DB *gorm.DB
}

var openDialector = map[string]func(dsn string) gorm.Dialector{
	"postgres": postgres.Open,
	"sqlite":   sqlite.Open,
}

// OpenSQL opens a postgres or sqlite database and migrates the room tables.
func OpenSQL(driver, dsn string) (*SQLRepository, error) {
	open, ok := openDialector[driver]
	if !ok {
		return nil, fmt.Errorf("unknown sql driver %q", driver)
	}
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is empty")
	}
	db, err := gorm.Open(open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	repo := &SQLRepository{DB: db}
	if err := repo.Migrate(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *SQLRepository) Migrate() error {
	return r.DB.AutoMigrate(&roomRow{}, &accessRow{})
}

func (r *SQLRepository) Close() error {
	sqlDB, err := r.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *SQLRepository) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	var row roomRow
	err := r.DB.WithContext(ctx).Preload("Access").First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", id, err)
	}
	room := &models.Room{
		ID:       row.ID,
		Name:     row.Name,
		Language: models.Language(row.Language),
		Content:  row.Content,
	}
	for _, a := range row.Access {
		room.AccessList = append(room.AccessList, models.AccessEntry{UserID: a.UserID, Role: models.Role(a.Role)})
	}
	return room, nil
}

func (r *SQLRepository) SaveSnapshot(ctx context.Context, id, content string) error {
	return r.UpdateRoom(ctx, id, models.RoomPatch{Content: &content})
}

func (r *SQLRepository) UpdateRoom(ctx context.Context, id string, patch models.RoomPatch) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields := map[string]interface{}{"updated_at": time.Now().UTC()}
		if patch.Content != nil {
			fields["content"] = *patch.Content
		}
		if patch.Language != nil {
			fields["language"] = string(*patch.Language)
		}
		res := tx.Model(&roomRow{}).Where("id = ?", id).Updates(fields)
		if res.Error != nil {
			return fmt.Errorf("update room %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if patch.AccessList == nil {
			return nil
		}
		if err := tx.Where("room_id = ?", id).Delete(&accessRow{}).Error; err != nil {
			return err
		}
		if len(patch.AccessList) == 0 {
			return nil
		}
		return tx.Create(accessRows(id, patch.AccessList)).Error
	})
}

func (r *SQLRepository) CreateRoom(ctx context.Context, room *models.Room) error {
	row := roomRow{
		ID:       room.ID,
		Name:     room.Name,
		Language: string(room.Language),
		Content:  room.Content,
		Access:   accessRows(room.ID, room.AccessList),
	}
	if err := r.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

func accessRows(roomID string, list []models.AccessEntry) []accessRow {
	rows := make([]accessRow, 0, len(list))
	for _, e := range list {
		rows = append(rows, accessRow{RoomID: roomID, UserID: e.UserID, Role: string(e.Role)})
	}
	return rows
}
