package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/capitalize-ai/support-desk/internal/model"
)

// ReplaceDocSections stores the sections of one knowledge-base file, upserting
// by (file_path, section) and removing sections the file no longer has.
func (s *Store) ReplaceDocSections(ctx context.Context, filePath string, sections []model.DocSection) error {
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := tx.Where("file_path = ?", filePath)
		if len(sections) > 0 {
			keep := make([]int, len(sections))
			for i, sec := range sections {
				keep[i] = sec.Section
			}
			stale = stale.Where("section NOT IN ?", keep)
		}
		if err := stale.Delete(&model.DocSection{}).Error; err != nil {
			return err
		}
		for i := range sections {
			sec := sections[i]
			sec.ID = 0
			sec.FilePath = filePath
			sec.UpdatedAt = now
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "file_path"}, {Name: "section"}},
				DoUpdates: clause.AssignmentColumns([]string{"heading", "text", "embedding", "updated_at"}),
			}).Create(&sec)
			if res.Error != nil {
				return res.Error
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: replace doc sections for %s: %w", filePath, err)
	}
	return nil
}

// ListDocSections returns every indexed knowledge-base section.
func (s *Store) ListDocSections(ctx context.Context) ([]model.DocSection, error) {
	var sections []model.DocSection
	if err := s.db.WithContext(ctx).Order("file_path").Order("section").Find(&sections).Error; err != nil {
		return nil, fmt.Errorf("store: list doc sections: %w", err)
	}
	return sections, nil
}
