package engine

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"kestreldb/src/helpers"
	"kestreldb/src/models"
)

// DatabaseFileExt is the extension of database backing files.
const DatabaseFileExt = ".kdb"

var validDatabaseName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidateName checks that name can be used as a database name and file name.
func ValidateName(name string) error {
	if !validDatabaseName.MatchString(name) || strings.Trim(name, ".") == "" {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}

// DatabaseFileName returns the backing file name of a database.
func DatabaseFileName(name string) string {
	return name + DatabaseFileExt
}

// DatabaseNameFromFile is the inverse of DatabaseFileName.
func DatabaseNameFromFile(fileName string) string {
	return strings.TrimSuffix(fileName, DatabaseFileExt)
}

// DatabaseFactory creates the metadata of new databases.
type DatabaseFactory struct {
	now func() time.Time
}

func NewDatabaseFactory() *DatabaseFactory {
	return &DatabaseFactory{now: time.Now}
}

// NewDatabase creates the metadata of a database that has never been written.
func (f *DatabaseFactory) NewDatabase(name, filePath string) models.Database {
	return models.Database{
		DatabaseID:    helpers.GenerateUUID(),
		Name:          name,
		FilePath:      filePath,
		SchemaVersion: 1,
		CreatedAt:     f.now().UTC(),
	}
}
