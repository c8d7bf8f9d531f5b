package contacts

import (
	"github.com/MarcoPoloResearchLab/followcrm/internal/database"
	"gorm.io/gorm"
)

const (
	migrationCanonicalTagCells = "2026-10-02_canonical_tag_cells"
	migrationNullBlankNotes    = "2026-10-02_null_blank_notes"
)

// Migrations lists the one-shot data fixes for per-user contact databases.
func Migrations() []database.Migration {
	return []database.Migration{
		{Name: migrationCanonicalTagCells, Apply: canonicalizeTagCells},
		{Name: migrationNullBlankNotes, Apply: nullBlankNotes},
	}
}

// canonicalizeTagCells rewrites tag cells written before TagSet existed.
func canonicalizeTagCells(db *gorm.DB) error {
	var rows []Follow
	if err := db.Select("account_id", "tags").Where("tags IS NOT NULL").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		canonical := row.TagSet().Column()
		if sameCell(canonical, row.Tags) {
			continue
		}
		if err := db.Model(&Follow{}).Where("account_id = ?", row.AccountID).Update("tags", canonical).Error; err != nil {
			return err
		}
	}
	return nil
}

func nullBlankNotes(db *gorm.DB) error {
	return db.Exec("UPDATE follows SET note = NULL WHERE note IS NOT NULL AND trim(note) = ''").Error
}

func sameCell(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
