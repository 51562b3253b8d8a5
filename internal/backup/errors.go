package backup

import "errors"

var (
	// ErrDirCreation is returned when the backup output directory cannot be created.
	ErrDirCreation = errors.New("could not create backup directory")

	// ErrExportTool marks a mysqldump failure. It never reaches callers of
	// Export directly; it only explains why the native fallback ran.
	ErrExportTool = errors.New("mysqldump export failed")

	// ErrNoTables is returned when the site schema contains no tables to export.
	ErrNoTables = errors.New("no database tables found to export")

	// ErrWrite is returned when the export file cannot be written.
	ErrWrite = errors.New("could not write database export")

	// ErrArchiverUnavailable is returned when no archiver was configured.
	ErrArchiverUnavailable = errors.New("archiver is not available")

	// ErrArchiveOpen is returned when the archive file cannot be opened for writing.
	ErrArchiveOpen = errors.New("could not open archive for writing")

	// ErrArchiveEmpty is returned when the finished archive is implausibly
	// small, which indicates a truncated or empty backup.
	ErrArchiveEmpty = errors.New("archive is empty or truncated")
)
