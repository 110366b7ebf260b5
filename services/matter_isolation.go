package services

import (
	"fmt"
	"log"

	"github.com/juhinebhnani4/ldip/model"
	"gorm.io/gorm"
)

// ErrInvalidMatter is returned when a caller-supplied matter id doesn't
// have an acceptable shape. It is a 400-class error.
type ErrInvalidMatter struct {
	Raw string
}

func (e *ErrInvalidMatter) Error() string {
	return fmt.Sprintf("invalid matter id: %q", e.Raw)
}

// ErrLeakDetected is raised when validate_rows finds a row whose matter_id
// doesn't match the id the query was scoped to. It is a 500-class error and
// must never be swallowed: a SQL bug or RPC change leaking cross-tenant data
// is the one failure mode this layer exists to catch.
type ErrLeakDetected struct {
	Expected string
	Got      string
	Table    string
}

func (e *ErrLeakDetected) Error() string {
	return fmt.Sprintf("matter isolation violation in %s: expected matter_id %q, got %q", e.Table, e.Expected, e.Got)
}

// MatterScoped is implemented by any row type validate_rows can check.
type MatterScoped interface {
	GetMatterID() string
}

func (d model.Document) GetMatterID() string      { return d.MatterID }
func (j model.ProcessingJob) GetMatterID() string  { return j.MatterID }
func (c model.DocumentOCRChunk) GetMatterID() string { return c.MatterID }

// ValidateMatterID checks that a caller-supplied matter id has an
// acceptable shape before it is ever used in a query.
func ValidateMatterID(raw string) (model.MatterID, error) {
	id := model.MatterID(raw)
	if !id.Valid() {
		return "", &ErrInvalidMatter{Raw: raw}
	}
	return id, nil
}

// ScopedQuery returns a GORM query pre-filtered to one matter. Every query
// against a matter-scoped table must be built from this, never from a bare
// db.Model call.
func ScopedQuery(db *gorm.DB, matterID model.MatterID, table interface{}) *gorm.DB {
	return db.Model(table).Where("matter_id = ?", string(matterID))
}

// ValidateRows is defense-in-depth run after every query that returns
// matter-scoped rows. The query already filtered by matter_id; this catches
// the case where it didn't — a join that forgot the predicate, a changed
// index, a future migration. It fails loudly rather than silently returning
// leaked rows.
func ValidateRows[T MatterScoped](rows []T, matterID model.MatterID, table string) error {
	for _, row := range rows {
		if row.GetMatterID() != string(matterID) {
			leak := &ErrLeakDetected{Expected: string(matterID), Got: row.GetMatterID(), Table: table}
			log.Printf("[matter-isolation] ERROR: %v", leak)
			return leak
		}
	}
	return nil
}
